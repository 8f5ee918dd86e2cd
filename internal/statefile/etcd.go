package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdRequestTimeout = 5 * time.Second

// EtcdMirror is an additive, optional Store that also publishes
// StatusSnapshot to an etcd key, following the same Put/Get wrapper
// shape a store layer built on clientv3 would use. It never becomes
// the decision-making source of truth: pool/session/failover code
// only ever consults the registry and the FileStore-backed status
// file; this exists purely so an operator can watch status externally
// without reading the local disk file.
type EtcdMirror struct {
	inner Store
	cli *clientv3.Client
	key string
}

// NewEtcdMirror wraps inner (typically a *FileStore) and additionally
// publishes every WriteStatus call to etcd under key.
func NewEtcdMirror(inner Store, endpoints []string, key string) (*EtcdMirror, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: etcdRequestTimeout})
	if err != nil {
		return nil, fmt.Errorf("statefile: etcd dial: %w", err)
	}
	return &EtcdMirror{inner: inner, cli: cli, key: key}, nil
}

func (e *EtcdMirror) WritePID(pid int) error {
	return e.inner.WritePID(pid)
}

func (e *EtcdMirror) WriteStatus(s StatusSnapshot) error {
	if err := e.inner.WriteStatus(s); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()
	_, err = e.cli.Put(ctx, e.key, string(data))
	return err
}

func (e *EtcdMirror) ReadStatus() (StatusSnapshot, error) {
	return e.inner.ReadStatus()
}

func (e *EtcdMirror) Close() error {
	e.cli.Close()
	return e.inner.Close()
}
