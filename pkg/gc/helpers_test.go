package gc

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"cyclegc/pkg/config"
)

// testNode is a minimal collaborator: a named value holding references
type testNode struct {
	name     string
	leaf     bool
	children []*Participant
	p        *Participant
}

func (n *testNode) NeedsScan() bool { return !n.leaf }

func (n *testNode) VisitChildren(visit func(*Participant) VisitResult) VisitResult {
	for _, c := range n.children {
		if visit(c) == Conflict {
			return Conflict
		}
	}
	return Done
}

func (n *testNode) IsValid() bool          { return n.p.Valid() }
func (n *testNode) DiagnosticName() string { return n.name }

type testGraph struct {
	t     *testing.T
	c     *Collector
	nodes map[string]*testNode
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Collector.AssertInvariants = true
	cfg.Collector.RetryJitter = 0
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGraph(t *testing.T) *testGraph {
	return newTestGraphWith(t, testConfig())
}

func newTestGraphWith(t *testing.T, cfg config.Config) *testGraph {
	return &testGraph{
		t:     t,
		c:     New(cfg, WithLogger(quietLogger())),
		nodes: make(map[string]*testNode),
	}
}

func (g *testGraph) add(names ...string) {
	for _, name := range names {
		n := &testNode{name: name}
		n.p = NewParticipant(n)
		g.nodes[name] = n
	}
}

func (g *testGraph) addLeaf(name string) {
	n := &testNode{name: name, leaf: true}
	n.p = NewParticipant(n)
	g.nodes[name] = n
}

func (g *testGraph) p(name string) *Participant {
	n, ok := g.nodes[name]
	require.True(g.t, ok, "unknown node %s", name)
	return n.p
}

// link adds a strong reference from -> to
func (g *testGraph) link(from, to string) {
	src, dst := g.nodes[from], g.p(to)
	src.p.Extend(func() {
		src.children = append(src.children, dst)
	})
	dst.Ref(Strong)
}

// drop releases the external reference the test holds on name
func (g *testGraph) drop(name string) DerefResult {
	p := g.p(name)
	res := p.Deref(External)
	p.DerefDone(false)
	return res
}

func (g *testGraph) scan(name string) ScanResult {
	return g.c.Scan(context.Background(), g.p(name))
}

func (g *testGraph) snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot, len(g.nodes))
	for name, n := range g.nodes {
		out[name] = n.p.Snapshot()
	}
	return out
}
