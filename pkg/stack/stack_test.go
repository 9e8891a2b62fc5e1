package stack

import (
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/stable"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
)

const tick = 50 * time.Millisecond

type manualTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock fires timers only when advanced. Tests drive it from the
// goroutine that steps the stacks.
type manualClock struct {
	now    time.Time
	seq    int
	timers []*manualTimer
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.seq++
	t := &manualTimer{at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		i := -1
		for j, t := range c.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if i < 0 || t.at.Before(c.timers[i].at) || t.at.Equal(c.timers[i].at) && t.seq < c.timers[i].seq {
				i = j
			}
		}
		if i < 0 {
			break
		}
		t := c.timers[i]
		c.timers = slices.Delete(c.timers, i, i+1)
		c.now = t.at
		t.f()
	}
	c.now = target
}

// recorder is an Application that records what the stack hands it.
type recorder struct {
	s      *Stack
	autoOK bool

	cur       *membership.View
	views     []*membership.View
	regular   []string
	regularIn map[string]membership.ViewID
	uniform   []Delivery
	received  []string
	blocks    int
	left      bool
}

func (r *recorder) View(v *membership.View, _ *membership.LocalState) {
	r.cur = v
	r.views = append(r.views, v)
}

func (r *recorder) Block() {
	r.blocks++
	if r.autoOK {
		r.s.BlockOK()
	}
}

func (r *recorder) Regular(d Delivery) {
	r.regular = append(r.regular, string(d.Payload))
	r.regularIn[string(d.Payload)] = r.cur.ID
}

func (r *recorder) Uniform(d Delivery) { r.uniform = append(r.uniform, d) }

func (r *recorder) Receive(_ int, payload []byte) {
	r.received = append(r.received, string(payload))
}

func (r *recorder) Left() { r.left = true }

func (r *recorder) uniformPayloads() []string {
	out := make([]string, len(r.uniform))
	for i, d := range r.uniform {
		out[i] = string(d.Payload)
	}
	return out
}

type node struct {
	s       *Stack
	app     *recorder
	tr      *transport.MemTransport
	crashed bool
}

type cluster struct {
	t     *testing.T
	clock *manualClock
	net   *transport.Network
	nodes map[string]*node
	names []string
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:     t,
		clock: &manualClock{now: time.Unix(1_700_000_000, 0)},
		net:   transport.NewNetwork(),
		nodes: make(map[string]*node),
	}
}

func addr(name string) string { return name + ":1" }

func (c *cluster) add(name string, seeds ...string) *node {
	c.t.Helper()
	cfg := DefaultConfig("g", membership.Endpoint(name), addr(name))
	for _, s := range seeds {
		cfg.Seeds = append(cfg.Seeds, addr(s))
	}
	tr := c.net.Endpoint(addr(name))
	app := &recorder{autoOK: true, regularIn: make(map[string]membership.ViewID)}
	logger := zaptest.NewLogger(c.t, zaptest.Level(zapcore.InfoLevel)).Named(name)
	s, err := New(cfg, tr, app, logger, WithClock(c.clock))
	if err != nil {
		c.t.Fatalf("New(%s) error = %v", name, err)
	}
	app.s = s
	n := &node{s: s, app: app, tr: tr}
	c.nodes[name] = n
	c.names = append(c.names, name)
	return n
}

// settle steps every live stack until all queues are empty.
func (c *cluster) settle() {
	c.t.Helper()
	for steps := 0; ; steps++ {
		if steps > 1_000_000 {
			c.t.Fatal("cluster did not settle")
		}
		progressed := false
		for _, name := range c.names {
			n := c.nodes[name]
			if !n.crashed && n.s.Step() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (c *cluster) run(d time.Duration) {
	c.t.Helper()
	c.settle()
	for elapsed := time.Duration(0); elapsed < d; elapsed += tick {
		c.clock.advance(tick)
		c.settle()
	}
}

// form installs one view over names directly, skipping discovery.
func (c *cluster) form(names ...string) *membership.View {
	c.t.Helper()
	c.settle()
	members := make([]membership.Endpoint, len(names))
	addrs := make([]string, len(names))
	for i, n := range names {
		members[i] = membership.Endpoint(n)
		addrs[i] = addr(n)
	}
	v, err := membership.NewView("g", membership.ViewID{LTime: 5, Creator: members[0]}, members, addrs, nil)
	if err != nil {
		c.t.Fatalf("NewView() error = %v", err)
	}
	for _, n := range names {
		c.nodes[n].s.install(v)
	}
	c.settle()
	return v
}

func (c *cluster) crash(name string) {
	n := c.nodes[name]
	n.crashed = true
	_ = n.tr.Close()
}

func members(v *membership.View) []string {
	out := make([]string, len(v.Members))
	for i, m := range v.Members {
		out[i] = string(m)
	}
	return out
}

func TestTotalOrderIsUniformAcrossMembers(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	c.form("a", "b", "c")

	c.nodes["a"].s.Cast([]byte("x"))
	c.nodes["b"].s.Cast([]byte("y"))
	c.nodes["c"].s.Cast([]byte("z"))
	c.run(time.Second)

	want := c.nodes["a"].app.uniformPayloads()
	if len(want) != 3 {
		t.Fatalf("a uniform = %v, want 3 casts", want)
	}
	for _, name := range c.names {
		app := c.nodes[name].app
		if got := app.uniformPayloads(); !slices.Equal(got, want) {
			t.Fatalf("%s uniform = %v, want %v", name, got, want)
		}
		if len(app.regular) != 3 {
			t.Fatalf("%s regular = %v, want 3 casts", name, app.regular)
		}
		for i, d := range app.uniform {
			if d.Order != uint64(i+1) {
				t.Fatalf("%s uniform[%d].Order = %d, want %d", name, i, d.Order, i+1)
			}
		}
	}
}

func TestPointToPointDelivery(t *testing.T) {
	c := newCluster(t)
	c.add("a")
	c.add("b")
	c.form("a", "b")

	c.nodes["a"].s.Send(1, []byte("p1"))
	c.nodes["a"].s.Send(1, []byte("p2"))
	c.nodes["a"].s.Send(0, []byte("self"))
	c.settle()

	if got := c.nodes["b"].app.received; !slices.Equal(got, []string{"p1", "p2"}) {
		t.Fatalf("b received = %v, want [p1 p2]", got)
	}
	if got := c.nodes["a"].app.received; len(got) != 0 {
		t.Fatalf("a received = %v, want nothing", got)
	}
}

func TestCrashedMemberIsFlushedOut(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	v := c.form("a", "b", "c")

	// b's last cast reached a only before b crashed.
	c.crash("b")
	frame := encode(&castMsg{
		viewHeader: viewHeader{View: v.ID, From: 1},
		Origin:     1,
		Seq:        stable.EncodeSeq(1),
		Body:       encodeBody(castBody{HasPayload: true, Payload: []byte("late")}),
	})
	c.nodes["a"].s.Deliver(addr("b"), frame)
	c.run(time.Second)

	for _, name := range []string{"a", "c"} {
		n := c.nodes[name]
		if got := members(n.s.view); !slices.Equal(got, []string{"a", "c"}) {
			t.Fatalf("%s view = %v, want [a c]", name, got)
		}
		if id, ok := n.app.regularIn["late"]; !ok || id != v.ID {
			t.Fatalf("%s delivered late in %v (ok=%v), want %v", name, id, ok, v.ID)
		}
		if got := n.app.uniformPayloads(); !slices.Equal(got, []string{"late"}) {
			t.Fatalf("%s uniform = %v, want [late]", name, got)
		}
	}
	if c.nodes["a"].s.view.ID != c.nodes["c"].s.view.ID {
		t.Fatalf("views differ: a=%v c=%v", c.nodes["a"].s.view, c.nodes["c"].s.view)
	}
}

func TestLeave(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	c.form("a", "b", "c")

	c.nodes["c"].s.Leave()
	c.run(200 * time.Millisecond)

	if !c.nodes["c"].app.left {
		t.Fatal("c did not leave")
	}
	for _, name := range []string{"a", "b"} {
		if got := members(c.nodes[name].s.view); !slices.Equal(got, []string{"a", "b"}) {
			t.Fatalf("%s view = %v, want [a b]", name, got)
		}
	}
}

func TestCoordinatorLeave(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	c.form("a", "b", "c")

	c.nodes["a"].s.Leave()
	c.run(200 * time.Millisecond)

	if !c.nodes["a"].app.left {
		t.Fatal("a did not leave")
	}
	for _, name := range []string{"b", "c"} {
		if got := members(c.nodes[name].s.view); !slices.Equal(got, []string{"b", "c"}) {
			t.Fatalf("%s view = %v, want [b c]", name, got)
		}
	}
}

func TestSingletonsMergeThroughSeeds(t *testing.T) {
	merges := telemetry.Merges.WithLabelValues("g", "done")
	before := testutil.ToFloat64(merges)

	c := newCluster(t)
	c.add("a", "b")
	c.add("b", "a")
	c.run(3 * time.Second)

	a, b := c.nodes["a"].s.view, c.nodes["b"].s.view
	if a.ID != b.ID {
		t.Fatalf("views differ: a=%v b=%v", a, b)
	}
	if got := members(a); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("view = %v, want [a b]", got)
	}
	if a.ID.LTime != 2 {
		t.Fatalf("ltime = %d, want 2", a.ID.LTime)
	}
	if got := testutil.ToFloat64(merges) - before; got < 1 {
		t.Fatalf("merges done = %v, want at least 1", got)
	}
}

func TestPartitionHealsByMerge(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	v := c.form("a", "b", "c")

	c.net.Partition([]string{addr("a"), addr("b")}, []string{addr("c")})
	c.run(time.Second)
	if got := members(c.nodes["a"].s.view); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("a view during partition = %v, want [a b]", got)
	}
	if got := members(c.nodes["c"].s.view); !slices.Equal(got, []string{"c"}) {
		t.Fatalf("c view during partition = %v, want [c]", got)
	}

	// Casts inside the majority side keep flowing.
	c.nodes["b"].s.Cast([]byte("during"))
	c.run(500 * time.Millisecond)
	if got := c.nodes["a"].app.uniformPayloads(); !slices.Contains(got, "during") {
		t.Fatalf("a uniform = %v, want it to contain during", got)
	}

	c.net.Heal()
	c.run(3 * time.Second)

	want := c.nodes["a"].s.view
	for _, name := range c.names {
		got := c.nodes[name].s.view
		if got.ID != want.ID {
			t.Fatalf("%s view = %v, want %v", name, got, want)
		}
	}
	if got := members(want); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("merged view = %v, want [a b c]", got)
	}
	if want.ID.LTime <= v.ID.LTime+1 {
		t.Fatalf("merged ltime = %d, want above %d", want.ID.LTime, v.ID.LTime+1)
	}
}

func TestCastAfterBlockOKPanics(t *testing.T) {
	c := newCluster(t)
	a := c.add("a")
	b := c.add("b")
	a.app.autoOK, b.app.autoOK = false, false
	c.form("a", "b")

	a.s.RequestViewChange()
	c.settle()
	if a.app.blocks != 1 || b.app.blocks != 1 {
		t.Fatalf("blocks a=%d b=%d, want 1 each", a.app.blocks, b.app.blocks)
	}
	a.s.BlockOK()
	c.settle()

	a.s.Cast([]byte("too late"))
	defer func() {
		if recover() == nil {
			t.Fatal("cast after BlockOK did not panic")
		}
	}()
	c.settle()
}

func TestFlushCompletesAfterBlockOK(t *testing.T) {
	c := newCluster(t)
	a := c.add("a")
	b := c.add("b")
	a.app.autoOK, b.app.autoOK = false, false
	v := c.form("a", "b")

	b.s.RequestViewChange()
	c.settle()
	a.s.BlockOK()
	c.settle()
	if a.s.view.ID != v.ID {
		t.Fatal("view changed before every member confirmed the block")
	}
	b.s.BlockOK()
	c.settle()
	if a.s.view.ID == v.ID || a.s.view.ID != b.s.view.ID {
		t.Fatalf("views after flush a=%v b=%v, want one new view", a.s.view, b.s.view)
	}
	if got := members(a.s.view); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("view = %v, want [a b]", got)
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := DefaultConfig("", "a", "a:1")
	if _, err := New(cfg, transport.NewNetwork().Endpoint("a:1"), &recorder{}, zaptest.NewLogger(t)); err != ErrGroupRequired {
		t.Fatalf("New() error = %v, want %v", err, ErrGroupRequired)
	}
}

func TestExplicitSuspicionExcludesMember(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	v := c.form("a", "b", "c")

	c.nodes["a"].s.Suspect("c")
	c.run(200 * time.Millisecond)

	for _, name := range []string{"a", "b"} {
		got := c.nodes[name].s.view
		if !slices.Equal(members(got), []string{"a", "b"}) {
			t.Fatalf("%s view = %v, want [a b]", name, members(got))
		}
		if got.ID.Compare(v.ID) <= 0 {
			t.Fatalf("%s view id = %v, want newer than %v", name, got.ID, v.ID)
		}
	}
}

func TestRequestViewChangeInstallsFreshID(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b"} {
		c.add(n)
	}
	v := c.form("a", "b")

	c.nodes["b"].s.RequestViewChange()
	c.run(200 * time.Millisecond)

	want := membership.ViewID{LTime: v.ID.LTime + 1, Creator: "a"}
	for _, name := range []string{"a", "b"} {
		n := c.nodes[name]
		if n.s.view.ID != want {
			t.Fatalf("%s view id = %v, want %v", name, n.s.view.ID, want)
		}
		if got := members(n.s.view); !slices.Equal(got, []string{"a", "b"}) {
			t.Fatalf("%s view = %v, want [a b]", name, got)
		}
		if n.app.blocks == 0 {
			t.Fatalf("%s was not blocked", name)
		}
	}
}

func TestRetransmissionAnswersRequester(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	v := c.form("a", "b", "c")
	sent := telemetry.Retransmissions.WithLabelValues("g")
	before := testutil.ToFloat64(sent)

	// a's first cast reached b only.
	c.nodes["b"].s.Deliver(addr("a"), encode(&castMsg{
		viewHeader: viewHeader{View: v.ID, From: 0},
		Origin:     0,
		Seq:        stable.EncodeSeq(1),
		Body:       encodeBody(castBody{HasPayload: true, Payload: []byte("r")}),
	}))
	c.settle()
	// c asks b for it.
	c.nodes["b"].s.Deliver(addr("c"), encode(&retransmitMsg{
		viewHeader: viewHeader{View: v.ID, From: 2},
		Origin:     0,
		Lo:         1,
		Hi:         1,
	}))
	c.settle()

	if got := c.nodes["c"].app.regular; !slices.Equal(got, []string{"r"}) {
		t.Fatalf("c regular = %v, want [r]", got)
	}
	if got := c.nodes["a"].app.regular; len(got) != 0 {
		t.Fatalf("a regular = %v, want nothing", got)
	}
	if got := testutil.ToFloat64(sent) - before; got != 1 {
		t.Fatalf("retransmissions = %v, want 1", got)
	}
}

func TestCastForNextViewWaitsForInstall(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	v := c.form("a", "b", "c")
	next := membership.ViewID{LTime: v.ID.LTime + 1, Creator: "a"}

	c.nodes["c"].s.Deliver(addr("a"), encode(&castMsg{
		viewHeader: viewHeader{View: next, From: 0},
		Origin:     0,
		Seq:        stable.EncodeSeq(1),
		Body:       encodeBody(castBody{HasPayload: true, Payload: []byte("next")}),
	}))
	c.settle()
	if _, ok := c.nodes["c"].app.regularIn["next"]; ok {
		t.Fatal("c delivered a cast of a view it has not installed")
	}

	c.crash("b")
	c.run(time.Second)

	n := c.nodes["c"]
	if n.s.view.ID != next {
		t.Fatalf("c view = %v, want id %v", n.s.view, next)
	}
	if id, ok := n.app.regularIn["next"]; !ok || id != next {
		t.Fatalf("c delivered next in %v (ok=%v), want %v", id, ok, next)
	}
}

func TestEarlyBufferDropsOldest(t *testing.T) {
	c := newCluster(t)
	s := c.add("a").s
	c.settle()
	future := membership.ViewID{LTime: 100, Creator: "z"}

	for i := 0; i <= maxFuture; i++ {
		s.keepEarly(addr("z"), &castMsg{viewHeader: viewHeader{View: future}, Origin: i})
	}
	if len(s.future) != maxFuture {
		t.Fatalf("buffered = %d, want %d", len(s.future), maxFuture)
	}
	if got := s.future[0].m.(*castMsg).Origin; got != 1 {
		t.Fatalf("oldest buffered origin = %d, want 1", got)
	}
}

func TestRestrictDropsFailedMembers(t *testing.T) {
	c := newCluster(t)
	for _, n := range []string{"a", "b", "c"} {
		c.add(n)
	}
	v := c.form("a", "b", "c")
	s := c.nodes["a"].s

	if got := s.restrict(v); got != v {
		t.Fatalf("restrict() = %v, want the same view when nobody failed", got)
	}
	s.ls.Fail(2)
	got := s.restrict(v)
	if got == nil {
		t.Fatal("restrict() = nil, want [a b]")
	}
	if !slices.Equal(members(got), []string{"a", "b"}) || !slices.Equal(got.Addrs, []string{addr("a"), addr("b")}) {
		t.Fatalf("restrict() = %v %v, want [a b]", members(got), got.Addrs)
	}
	if want := (membership.ViewID{LTime: v.ID.LTime + 1, Creator: "a"}); got.ID != want {
		t.Fatalf("restrict() id = %v, want %v", got.ID, want)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("restricted view invalid: %v", err)
	}
}
