package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, item count
// and position in the group.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		Items   int       `json:"items"`
		Bytes   int       `json:"bytes"`
		View    string    `json:"view"`
		Rank    int       `json:"rank"`
		Regular uint64    `json:"regular"`
		Applied uint64    `json:"applied"`
	}
	st := n.Status()
	r := resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		Items:   n.kv.Len(),
		Bytes:   n.kv.Used(),
		Rank:    st.Rank,
		Regular: st.Regular,
		Applied: st.Applied,
	}
	if st.View != nil {
		r.View = st.View.ID.String()
	}
	writeJSON(w, r)
}

type viewResp struct {
	Group    string   `json:"group"`
	LTime    int64    `json:"ltime"`
	Creator  string   `json:"creator"`
	Members  []string `json:"members"`
	Addrs    []string `json:"addrs"`
	Rank     int      `json:"rank"`
	Blocked  bool     `json:"blocked"`
	Awaiting bool     `json:"awaiting_state"`
}

// Membership writes the installed view.
func (n *Node) Membership(w http.ResponseWriter, _ *http.Request) {
	st := n.Status()
	if st.View == nil {
		http.Error(w, "no view installed yet", http.StatusServiceUnavailable)
		return
	}
	r := viewResp{
		Group:    st.View.Group,
		LTime:    st.View.ID.LTime,
		Creator:  string(st.View.ID.Creator),
		Addrs:    st.View.Addrs,
		Rank:     st.Rank,
		Blocked:  st.Blocked,
		Awaiting: st.Syncing,
	}
	for _, m := range st.View.Members {
		r.Members = append(r.Members, string(m))
	}
	writeJSON(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func keyOf(req *http.Request) string {
	return strings.TrimPrefix(req.URL.Path, "/kv/")
}

// Put replicates a key/value pair and answers once it is applied locally.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := keyOf(req)
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	o := op{Kind: opPut, Key: key, Value: val}
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil || sec < 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		if sec > 0 {
			o.ExpireAt = time.Now().Add(time.Duration(sec) * time.Second).UnixNano()
		}
	}
	if _, err := n.write(req.Context(), o); err != nil {
		n.writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the local value for a key.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := keyOf(req)
	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del replicates the removal of a key.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := keyOf(req)
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	existed, err := n.write(req.Context(), op{Kind: opDelete, Key: key})
	if err != nil {
		n.writeError(w, key, err)
		return
	}
	if !existed {
		http.NotFound(w, req)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) write(ctx context.Context, o op) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.WriteTimeout)
	defer cancel()
	return n.submit(ctx, o)
}

func (n *Node) writeError(w http.ResponseWriter, key string, err error) {
	n.logger.Warn("write failed", zap.String("key", key), zap.Error(err))
	switch {
	case errors.Is(err, ErrLeft):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "write not applied in time", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
