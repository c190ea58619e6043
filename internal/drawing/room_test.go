package drawing

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func drawStroke(r *Room, opID string, points ...Point) {
	r.BeginOperation(opID, OperationMeta{UserID: "u1", DisplayName: "Ada", Color: "#000", StrokeWidth: 4})
	for _, p := range points {
		r.AppendPoint(opID, p)
	}
	r.FinishOperation(opID)
}

func snapshotIDs(r *Room) []string {
	ops := r.Snapshot()
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func assertIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestSingleStrokeSnapshot(t *testing.T) {
	r := NewRoom("R")
	r.BeginOperation("op1", OperationMeta{UserID: "A", Color: "#f00"})
	r.AppendPoint("op1", Point{X: 0, Y: 0})
	r.AppendPoint("op1", Point{X: 10, Y: 10})
	r.FinishOperation("op1")

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(snap))
	}
	want := Operation{
		ID:       "op1",
		Points:   []Point{{0, 0}, {10, 10}},
		Meta:     OperationMeta{UserID: "A", Color: "#f00"},
		Finished: true,
	}
	if !snap[0].Equal(want) {
		t.Fatalf("snapshot[0] = %+v, want %+v", snap[0], want)
	}
}

func TestManyStrokesKeepAppendOrder(t *testing.T) {
	r := NewRoom("R")
	for i := range 5 {
		id := fmt.Sprintf("op%d", i)
		r.BeginOperation(id, OperationMeta{UserID: "u"})
		for j := range i + 1 {
			r.AppendPoint(id, Point{X: float64(j), Y: float64(i)})
		}
		r.FinishOperation(id)
	}

	snap := r.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("snapshot length = %d, want 5", len(snap))
	}
	for i, op := range snap {
		if op.ID != fmt.Sprintf("op%d", i) {
			t.Fatalf("snapshot[%d].ID = %q", i, op.ID)
		}
		if len(op.Points) != i+1 {
			t.Fatalf("snapshot[%d] has %d points, want %d", i, len(op.Points), i+1)
		}
		for j, p := range op.Points {
			if p.X != float64(j) {
				t.Fatalf("snapshot[%d].Points[%d] = %+v, out of order", i, j, p)
			}
		}
		if !op.Finished {
			t.Fatalf("snapshot[%d] not finished", i)
		}
	}
}

func TestInterleavedStrokesCommitInFinishOrder(t *testing.T) {
	r := NewRoom("R")
	r.BeginOperation("a", OperationMeta{UserID: "A"})
	r.BeginOperation("b", OperationMeta{UserID: "B"})
	r.AppendPoint("a", Point{1, 1})
	r.AppendPoint("b", Point{2, 2})
	r.AppendPoint("a", Point{3, 3})
	r.FinishOperation("b")
	r.FinishOperation("a")

	assertIDs(t, snapshotIDs(r), "b", "a")
	op, _ := r.Operation("a")
	if len(op.Points) != 2 || op.Points[1] != (Point{3, 3}) {
		t.Fatalf("stroke a points = %+v", op.Points)
	}
}

func TestUndoRedoScenario(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})
	drawStroke(r, "op2", Point{1, 1})

	undone, ok := r.Undo()
	if !ok || undone.ID != "op2" {
		t.Fatalf("undo = %q, %v; want op2", undone.ID, ok)
	}
	assertIDs(t, snapshotIDs(r), "op1")

	redone, ok := r.Redo()
	if !ok || redone.ID != "op2" {
		t.Fatalf("redo = %q, %v; want op2", redone.ID, ok)
	}
	assertIDs(t, snapshotIDs(r), "op1", "op2")
}

func TestRedoAppendsAtCurrentTip(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})
	drawStroke(r, "op2", Point{1, 1})
	r.Undo()

	// op3 begins before the second undo and finishes after it, so redo lands
	// after op3 rather than at op4's original index.
	r.BeginOperation("op3", OperationMeta{UserID: "u"})
	drawStroke(r, "op4", Point{2, 2})
	r.AppendPoint("op3", Point{3, 3})

	r.Undo() // op4
	r.FinishOperation("op3")
	redone, ok := r.Redo()
	if !ok || redone.ID != "op4" {
		t.Fatalf("redo = %q, %v; want op4", redone.ID, ok)
	}
	assertIDs(t, snapshotIDs(r), "op1", "op3", "op4")
}

func TestBeginOperationClearsRedoStack(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})
	r.Undo()
	r.BeginOperation("x", OperationMeta{UserID: "u"})

	if op, ok := r.Redo(); ok {
		t.Fatalf("redo returned %q after a new stroke began", op.ID)
	}
}

func TestRedoWithEmptyStack(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})

	if _, ok := r.Redo(); ok {
		t.Fatal("expected absent redo")
	}
	assertIDs(t, snapshotIDs(r), "op1")
}

func TestUndoWithEmptyHistory(t *testing.T) {
	r := NewRoom("R")
	if _, ok := r.Undo(); ok {
		t.Fatal("expected absent undo")
	}
}

func TestClear(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})
	drawStroke(r, "op2", Point{0, 0})
	r.Undo()
	r.BeginOperation("live", OperationMeta{UserID: "u"})
	r.AppendPoint("live", Point{5, 5})

	r.Clear()

	if snap := r.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot after clear = %v", snap)
	}
	if _, ok := r.Undo(); ok {
		t.Fatal("undo after clear returned an op")
	}
	if _, ok := r.Redo(); ok {
		t.Fatal("redo after clear returned an op")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("active count = %d, want 0", r.ActiveCount())
	}
	if r.FinishOperation("live") {
		t.Fatal("finish of a cleared stroke should be a no-op")
	}
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	r := NewRoom("R")
	if r.AppendPoint("ghost", Point{1, 1}) {
		t.Fatal("append to unknown id reported success")
	}
	if r.FinishOperation("ghost") {
		t.Fatal("finish of unknown id reported success")
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("unknown ids must not reach history")
	}
	if _, ok := r.Operation("ghost"); ok {
		t.Fatal("expected absent operation")
	}
}

func TestDuplicateFinishDoesNotDoubleAppend(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})
	if r.FinishOperation("op1") {
		t.Fatal("second finish reported success")
	}
	if r.AppendPoint("op1", Point{9, 9}) {
		t.Fatal("append after finish reported success")
	}
	assertIDs(t, snapshotIDs(r), "op1")
	op, _ := r.Operation("op1")
	if len(op.Points) != 1 {
		t.Fatalf("finished stroke mutated: %+v", op.Points)
	}
}

func TestOperationLooksUpHistoryThenActive(t *testing.T) {
	r := NewRoom("R")
	r.BeginOperation("live", OperationMeta{UserID: "u"})
	r.AppendPoint("live", Point{1, 2})

	op, ok := r.Operation("live")
	if !ok || op.Finished || len(op.Points) != 1 {
		t.Fatalf("active lookup = %+v, %v", op, ok)
	}

	r.FinishOperation("live")
	op, ok = r.Operation("live")
	if !ok || !op.Finished {
		t.Fatalf("history lookup = %+v, %v", op, ok)
	}
}

func TestUndoneOperationIsNotInHistory(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})
	r.Undo()
	if _, ok := r.Operation("op1"); ok {
		t.Fatal("undone operation must only live on the redo stack")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRoom("R")
	drawStroke(r, "op1", Point{0, 0})

	snap := r.Snapshot()
	snap[0].Points[0] = Point{99, 99}
	snap[0].ID = "mutated"

	again := r.Snapshot()
	if again[0].ID != "op1" || again[0].Points[0] != (Point{0, 0}) {
		t.Fatalf("snapshot aliased room state: %+v", again[0])
	}
}

func TestEmptySnapshotEncodesAsArray(t *testing.T) {
	b, err := json.Marshal(NewRoom("R").Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "[]" {
		t.Fatalf("snapshot json = %s, want []", b)
	}
}

func TestUsers(t *testing.T) {
	r := NewRoom("R")
	r.AddUser("c1", "Ada")
	r.AddUser("c2", "Ada")
	r.AddUser("c1", "Grace")
	r.RemoveUser("missing")

	users := r.Users()
	if len(users) != 2 {
		t.Fatalf("users = %+v", users)
	}
	if users[0] != (User{ID: "c1", Name: "Grace"}) || users[1] != (User{ID: "c2", Name: "Ada"}) {
		t.Fatalf("users = %+v", users)
	}

	users[0].Name = "mutated"
	if r.Users()[0].Name != "Grace" {
		t.Fatal("Users returned a live view")
	}

	r.RemoveUser("c1")
	users = r.Users()
	if len(users) != 1 || users[0].ID != "c2" {
		t.Fatalf("users after remove = %+v", users)
	}
}

func TestOperationJSONRoundTrip(t *testing.T) {
	op := Operation{
		ID:       "op1",
		Points:   []Point{{1.5, 2}, {3, 4.25}},
		Meta:     OperationMeta{UserID: "u", DisplayName: "Ada", Color: "#0af", StrokeWidth: 6, IsEraser: true},
		Finished: true,
	}
	b, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"op1","points":[{"x":1.5,"y":2},{"x":3,"y":4.25}],"meta":{"userId":"u","name":"Ada","color":"#0af","width":6,"isEraser":true},"finished":true}`
	if string(b) != want {
		t.Fatalf("json = %s\nwant %s", b, want)
	}
	var back Operation
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(op) {
		t.Fatalf("round trip = %+v, want %+v", back, op)
	}
}

func TestResolveUserOrphans(t *testing.T) {
	r := NewRoom("R")
	r.BeginOperation("mine-empty", OperationMeta{UserID: "A"})
	r.BeginOperation("mine-drawn", OperationMeta{UserID: "A"})
	r.AppendPoint("mine-drawn", Point{1, 1})
	r.BeginOperation("theirs", OperationMeta{UserID: "B"})
	r.AppendPoint("theirs", Point{2, 2})

	orphans := r.ResolveUserOrphans("A")

	if len(orphans.Discarded) != 1 || orphans.Discarded[0] != "mine-empty" {
		t.Fatalf("discarded = %v", orphans.Discarded)
	}
	if len(orphans.Finished) != 1 || orphans.Finished[0].ID != "mine-drawn" || !orphans.Finished[0].Finished {
		t.Fatalf("finished = %+v", orphans.Finished)
	}
	assertIDs(t, snapshotIDs(r), "mine-drawn")
	if r.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1 (B's stroke)", r.ActiveCount())
	}
	if again := r.ResolveUserOrphans("A"); !again.Empty() {
		t.Fatalf("second resolve = %+v, want empty", again)
	}
}

func TestIdleOperations(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRoom("R", WithClock(func() time.Time { return now }))

	r.BeginOperation("stale", OperationMeta{UserID: "A"})
	r.AppendPoint("stale", Point{1, 1})
	r.BeginOperation("stale-empty", OperationMeta{UserID: "A"})
	now = now.Add(20 * time.Second)
	r.BeginOperation("fresh", OperationMeta{UserID: "B"})
	r.AppendPoint("fresh", Point{2, 2})
	now = now.Add(15 * time.Second)

	assertIDs(t, r.IdleOperations(30*time.Second), "stale", "stale-empty")
	if r.ActiveCount() != 3 {
		t.Fatalf("active count = %d, want 3", r.ActiveCount())
	}
}

func TestResolveOperations(t *testing.T) {
	r := NewRoom("R")
	r.BeginOperation("drawn", OperationMeta{UserID: "A"})
	r.AppendPoint("drawn", Point{1, 1})
	r.BeginOperation("empty", OperationMeta{UserID: "A"})
	r.BeginOperation("kept", OperationMeta{UserID: "B"})
	r.BeginOperation("done", OperationMeta{UserID: "B"})
	r.AppendPoint("done", Point{2, 2})
	r.FinishOperation("done")

	orphans := r.ResolveOperations([]string{"empty", "drawn", "done", "ghost"})

	if len(orphans.Finished) != 1 || orphans.Finished[0].ID != "drawn" || !orphans.Finished[0].Finished {
		t.Fatalf("finished = %+v", orphans.Finished)
	}
	if len(orphans.Discarded) != 1 || orphans.Discarded[0] != "empty" {
		t.Fatalf("discarded = %v", orphans.Discarded)
	}
	assertIDs(t, snapshotIDs(r), "done", "drawn")
	if _, ok := r.Operation("kept"); !ok || r.ActiveCount() != 1 {
		t.Fatal("unlisted stroke should stay active")
	}
	if again := r.ResolveOperations([]string{"drawn", "empty"}); !again.Empty() {
		t.Fatalf("second resolve = %+v, want empty", again)
	}
}

func TestConcurrentStrokesAreSerialized(t *testing.T) {
	r := NewRoom("R")
	const writers, points = 8, 50

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("op%d", w)
			r.BeginOperation(id, OperationMeta{UserID: id})
			for p := range points {
				r.AppendPoint(id, Point{X: float64(p)})
			}
			r.FinishOperation(id)
		}(w)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != writers {
		t.Fatalf("snapshot length = %d, want %d", len(snap), writers)
	}
	for _, op := range snap {
		if len(op.Points) != points {
			t.Fatalf("%s has %d points, want %d", op.ID, len(op.Points), points)
		}
		for i, p := range op.Points {
			if p.X != float64(i) {
				t.Fatalf("%s points out of order at %d", op.ID, i)
			}
		}
	}
}
