// Package discovery registers group members in etcd and watches the
// registrations of the others. Keys are /zephyrgroup/<group>/nodes/<id>
// with the member's transport address as value, held under a lease.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"net"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Prefix is the key prefix of the members of group.
func Prefix(group string) string {
	return fmt.Sprintf("/zephyrgroup/%s/nodes/", group)
}

// RegisterNode puts id -> addr under a lease of ttl seconds and keeps the
// lease alive until the returned cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, group, id, addr string, ttl int64, logger *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Prefix(group)+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			logger.Warn("lease keepalive stopped", zap.String("id", id), zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns the registered members of group and the revision they
// were read at.
func GetPeers(ctx context.Context, cli *clientv3.Client, group string) (map[string]string, int64, error) {
	prefix := Prefix(group)
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: list %s: %w", prefix, err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		peers[id] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full member set of group now and after every
// change, until ctx is done. The initial read happens before it returns.
func WatchPeers(ctx context.Context, cli *clientv3.Client, group string, logger *zap.Logger, fn func(map[string]string)) error {
	peers, rev, err := GetPeers(ctx, cli, group)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	prefix := Prefix(group)
	go func() {
		wch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				logger.Warn("peer watch failed", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			if applyEvents(peers, prefix, wresp.Events) {
				fn(maps.Clone(peers))
			}
		}
	}()
	return nil
}

// applyEvents folds watch events into peers and reports whether it changed.
func applyEvents(peers map[string]string, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

// NormalizeAddr cuts a URL scheme from addr and adds defPort when addr has
// no port.
func NormalizeAddr(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}
