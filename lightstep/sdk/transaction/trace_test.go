// Copyright Lightstep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transaction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func newTestTrace(t *testing.T) (*Trace, time.Time) {
	clock := useFakeClock(t)
	tr, err := New("WebTransaction/Go/test")
	require.NoError(t, err)
	return tr, clock.now
}

func mustAdd(t *testing.T, tr *Trace, name string, parent *Segment) *Segment {
	s, err := tr.Add(name, parent)
	require.NoError(t, err)
	return s
}

func TestTotalTime(t *testing.T) {
	t.Run("single_segment", func(t *testing.T) {
		tr, base := newTestTrace(t)
		tr.Root().SetInterval(base, ms(1000))

		require.Equal(t, ms(1000), tr.TotalTime())
	})

	t.Run("child_after_parent", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base.Add(ms(1000)), ms(1000))

		require.Equal(t, ms(2000), tr.TotalTime())
	})

	t.Run("child_overlaps_parent_end", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base.Add(ms(500)), ms(1000))

		require.Equal(t, ms(1500), tr.TotalTime())
	})

	t.Run("parallel_children_after_parent", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		a := mustAdd(t, tr, "a", root)
		b := mustAdd(t, tr, "b", root)

		root.SetInterval(base, ms(1000))
		a.SetInterval(base.Add(ms(1000)), ms(1000))
		b.SetInterval(base.Add(ms(1000)), ms(1000))

		require.Equal(t, ms(3000), tr.TotalTime())
	})

	t.Run("sequential_children_after_parent", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		a := mustAdd(t, tr, "a", root)
		b := mustAdd(t, tr, "b", root)

		root.SetInterval(base, ms(1000))
		a.SetInterval(base.Add(ms(1000)), ms(1000))
		b.SetInterval(base.Add(ms(2000)), ms(1000))

		require.Equal(t, ms(3000), tr.TotalTime())
	})

	t.Run("fully_nested", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)
		grandchild := mustAdd(t, tr, "grandchild", child)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base, ms(1000))
		grandchild.SetInterval(base, ms(1000))

		require.Equal(t, ms(1000), tr.TotalTime())
	})

	t.Run("grandchild_outlives_parent", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)
		grandchild := mustAdd(t, tr, "grandchild", child)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base.Add(ms(100)), ms(200))
		grandchild.SetInterval(base.Add(ms(200)), ms(1000))

		require.Equal(t, ms(1200), tr.TotalTime())
	})
}

func TestExclusiveDuration(t *testing.T) {
	t.Run("no_children", func(t *testing.T) {
		tr, base := newTestTrace(t)
		tr.Root().SetInterval(base, ms(1000))
		require.Equal(t, ms(1000), tr.Root().ExclusiveDuration())
	})

	t.Run("contained_children_overlap_once", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		a := mustAdd(t, tr, "a", root)
		b := mustAdd(t, tr, "b", root)

		root.SetInterval(base, ms(1000))
		a.SetInterval(base.Add(ms(100)), ms(300))
		b.SetInterval(base.Add(ms(200)), ms(300))

		require.Equal(t, ms(600), root.ExclusiveDuration())
		require.Equal(t, ms(300), a.ExclusiveDuration())
	})

	t.Run("partial_overlap_subtracts_inside_part", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base.Add(ms(500)), ms(1000))

		require.Equal(t, ms(500), root.ExclusiveDuration())
	})

	t.Run("child_outside_does_not_subtract", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base.Add(ms(1000)), ms(1000))

		require.Equal(t, ms(1000), root.ExclusiveDuration())
	})

	t.Run("grandchildren_subtract_from_root", func(t *testing.T) {
		tr, base := newTestTrace(t)
		root := tr.Root()
		child := mustAdd(t, tr, "child", root)
		grandchild := mustAdd(t, tr, "grandchild", child)

		root.SetInterval(base, ms(1000))
		child.SetInterval(base.Add(ms(100)), ms(200))
		grandchild.SetInterval(base.Add(ms(200)), ms(1000))

		// [100,300) and [200,1200) cover 900ms of the root.
		require.Equal(t, ms(100), root.ExclusiveDuration())
		require.Equal(t, ms(100), child.ExclusiveDuration())
		require.Equal(t, ms(1000), grandchild.ExclusiveDuration())
	})
}

func TestAddErrors(t *testing.T) {
	var nilTrace *Trace
	_, err := nilTrace.Add("x", nil)
	require.ErrorIs(t, err, ErrNilTrace)

	_, err = New("")
	require.ErrorIs(t, err, ErrEmptyName)

	tr, _ := newTestTrace(t)
	_, err = tr.Add("", nil)
	require.ErrorIs(t, err, ErrEmptyName)

	other, _ := New("other")
	_, err = tr.Add("x", other.Root())
	require.ErrorIs(t, err, ErrForeignParent)

	require.True(t, tr.End())
	require.False(t, tr.End())
	_, err = tr.Add("late", nil)
	require.ErrorIs(t, err, ErrTraceEnded)
}

func TestActiveSegment(t *testing.T) {
	tr, _ := newTestTrace(t)
	root := tr.Root()
	require.Same(t, root, tr.Active())

	outer := mustAdd(t, tr, "outer", nil)
	require.Same(t, root, outer.Parent())

	inner := mustAdd(t, tr, "inner", nil)
	require.Same(t, outer, inner.Parent())
	require.Same(t, inner, tr.Active())

	require.True(t, inner.End())
	require.Same(t, outer, tr.Active())

	sibling := mustAdd(t, tr, "sibling", nil)
	require.Same(t, outer, sibling.Parent())

	sibling.End()
	outer.End()
	require.Same(t, root, tr.Active())

	require.Equal(t, []*Segment{outer}, root.Children())
	require.Equal(t, []*Segment{inner, sibling}, outer.Children())

	names := []string{}
	for _, s := range tr.Segments() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"WebTransaction/Go/test", "outer", "inner", "sibling"}, names)
}

func TestSegmentEndIsIdempotent(t *testing.T) {
	clock := useFakeClock(t)
	tr, err := New("tx")
	require.NoError(t, err)

	s := mustAdd(t, tr, "s", nil)
	clock.Advance(ms(10))
	require.True(t, s.End())
	clock.Advance(ms(10))
	require.False(t, s.End())
	require.Equal(t, ms(10), s.Duration())

	// Explicit overwrites still apply.
	s.SetDuration(ms(3))
	require.Equal(t, ms(3), s.Duration())
}

func TestAttributes(t *testing.T) {
	tr, _ := newTestTrace(t)
	s := mustAdd(t, tr, "db", nil)
	s.SetAttributes(
		attribute.String("sql", "select 1"),
		attribute.Int("rows", 3),
		attribute.Bool("cached", false),
	)
	s.SetAttributes(attribute.Int("rows", 4))

	require.Equal(t, []attribute.KeyValue{
		attribute.Bool("cached", false),
		attribute.Int("rows", 4),
		attribute.String("sql", "select 1"),
	}, s.Attributes())
}

func TestRecord(t *testing.T) {
	tr, base := newTestTrace(t)
	root := tr.Root()
	db := mustAdd(t, tr, "db", root)
	ext := mustAdd(t, tr, "ext", root)

	root.SetInterval(base, ms(1000))
	db.SetInterval(base, ms(300))
	ext.SetInterval(base.Add(ms(500)), ms(200))
	db.SetRecorder(MetricRecorder("Datastore/all"))
	ext.SetRecorder(MetricRecorder("External/all"))

	table := metric.NewTable()
	tr.Record(table)

	scoped, ok := table.Lookup("Datastore/all", "WebTransaction/Go/test")
	require.True(t, ok)
	require.Equal(t, uint64(1), scoped.Snapshot().CallCount)
	require.InDelta(t, 0.3, scoped.Snapshot().Total, 1e-9)

	unscoped, ok := table.Lookup("External/all", "")
	require.True(t, ok)
	require.InDelta(t, 0.2, unscoped.Snapshot().TotalExclusive, 1e-9)
	require.Equal(t, 4, table.Len())
}

func TestToWire(t *testing.T) {
	tr, base := newTestTrace(t)
	tr.SetURI("/users")
	root := tr.Root()
	child := mustAdd(t, tr, "child", root)
	child.SetAttributes(attribute.String("k", "v"))

	root.SetInterval(base, ms(1000))
	child.SetInterval(base.Add(ms(250)), ms(500))

	data, err := json.Marshal(tr.ToWire())
	require.NoError(t, err)
	require.JSONEq(t, `[
		1700000000000, 1000, "WebTransaction/Go/test", "/users",
		[0, 1000, "WebTransaction/Go/test", {}, [
			[250, 750, "child", {"k": "v"}, []]
		]],
		"`+tr.GUID()+`"
	]`, string(data))
}

func TestEndFreezesTrace(t *testing.T) {
	clock := useFakeClock(t)
	tr, err := New("WebTransaction/Go/test")
	require.NoError(t, err)
	base := tr.Root().StartTime()

	done := mustAdd(t, tr, "done", nil)
	clock.Advance(ms(100))
	require.True(t, done.End())
	running := mustAdd(t, tr, "running", nil)
	clock.Advance(ms(200))
	require.True(t, tr.End())

	require.False(t, running.IsRunning())
	require.Equal(t, ms(200), running.Duration())
	require.Equal(t, ms(300), tr.Duration())

	total := tr.TotalTime()
	wire, err := json.Marshal(tr.ToWire())
	require.NoError(t, err)

	clock.Advance(ms(500))
	require.False(t, running.End())
	done.SetDuration(ms(900))
	done.SetInterval(base.Add(-ms(100)), ms(5000))
	running.SetAttributes(attribute.String("late", "v"))
	tr.Root().SetDuration(ms(1))
	tr.SetURI("/late")
	require.False(t, tr.End())

	require.Equal(t, ms(100), done.Duration())
	require.Equal(t, ms(200), running.Duration())
	require.Empty(t, running.Attributes())
	require.Equal(t, total, tr.TotalTime())
	after, err := json.Marshal(tr.ToWire())
	require.NoError(t, err)
	require.JSONEq(t, string(wire), string(after))
}

func TestEndClampsLateChild(t *testing.T) {
	clock := useFakeClock(t)
	tr, err := New("WebTransaction/Go/test")
	require.NoError(t, err)
	root := tr.Root()

	clock.Advance(ms(50))
	late := mustAdd(t, tr, "late", root)
	root.SetDuration(ms(10))
	clock.Advance(ms(50))
	require.True(t, tr.End())

	require.False(t, late.IsRunning())
	require.Equal(t, time.Duration(0), late.Duration())
}

func TestRecordExclusiveTimes(t *testing.T) {
	tr, base := newTestTrace(t)
	root := tr.Root()
	outer := mustAdd(t, tr, "outer", root)
	inner := mustAdd(t, tr, "inner", outer)

	root.SetInterval(base, ms(1000))
	outer.SetInterval(base.Add(ms(100)), ms(400))
	inner.SetInterval(base.Add(ms(200)), ms(500))

	got := map[string]time.Duration{}
	rec := func(s *Segment, scope string, excl time.Duration, _ *metric.Table) {
		require.Equal(t, "WebTransaction/Go/test", scope)
		require.Equal(t, s.ExclusiveDuration(), excl)
		got[s.Name()] = excl
	}
	root.SetRecorder(rec)
	outer.SetRecorder(rec)
	inner.SetRecorder(rec)

	tr.Record(metric.NewTable())
	require.Equal(t, map[string]time.Duration{
		"WebTransaction/Go/test": ms(400),
		"outer":                  ms(100),
		"inner":                  ms(500),
	}, got)
}
