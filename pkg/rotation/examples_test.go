package rotation_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/backend/memory"
	"github.com/systmms/asr/pkg/rotation"
)

// Example flags a secret, lets its period elapse and rotates it.
func Example() {
	ctx := context.Background()
	store := memory.New("demo")
	store.Seed("myapp/database", backend.Payload{"password": "initial", "username": "app"}, nil)

	now := time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)
	engine := rotation.NewEngine(store, rotation.WithClock(func() time.Time { return now }))

	meta, err := engine.Flag(ctx, "myapp/database", 6)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("flagged:", meta.Enabled, meta.LastRotated.Format(time.DateOnly))

	now = now.AddDate(0, 7, 0)
	res, err := engine.AutoRotate(ctx, "myapp/database", rotation.AutoOptions{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Decision.Reason, res.Rotated != nil)

	payload, _ := store.ReadPayload(ctx, "myapp/database")
	fmt.Println("username kept:", payload["username"])
	fmt.Println("new length:", len(payload["password"]))
	// Output:
	// flagged: true 2024-01-15
	// rotation period elapsed true
	// username kept: app
	// new length: 32
}

// ExampleCheckDue shows the day-of-month clamp: August 31 plus six months
// is the last day of February.
func ExampleCheckDue() {
	last := time.Date(2024, time.August, 31, 0, 0, 0, 0, time.UTC)
	period := 6
	meta := backend.RotationMetadata{Enabled: true, LastRotated: &last, PeriodMonths: &period}

	day := time.Date(2025, time.February, 27, 0, 0, 0, 0, time.UTC)
	fmt.Println(rotation.CheckDue(meta, day, rotation.DefaultPeriodMonths))
	fmt.Println(rotation.CheckDue(meta, day.AddDate(0, 0, 1), rotation.DefaultPeriodMonths))

	meta.Enabled = false
	fmt.Println(rotation.CheckDue(meta, day.AddDate(10, 0, 0), rotation.DefaultPeriodMonths))
	// Output:
	// skip: not due yet (due 2025-02-28T00:00:00Z)
	// due: rotation period elapsed
	// skip: rotation not enabled
}

func ExampleAddMonths() {
	jan31 := time.Date(2024, time.January, 31, 12, 0, 0, 0, time.UTC)
	fmt.Println(rotation.AddMonths(jan31, 1).Format(time.DateOnly))
	fmt.Println(rotation.AddMonths(jan31, 13).Format(time.DateOnly))
	// Output:
	// 2024-02-29
	// 2025-02-28
}

func ExampleGenerator_Generate() {
	// A fixed source makes the output reproducible; use NewGenerator in
	// real code.
	source := bytes.NewReader([]byte{0, 1, 2, 3, 26, 27, 52, 62, 9, 9, 9, 9})
	g := rotation.NewGeneratorFromReader(source)

	s, err := g.Generate(8)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(s)
	// Output: ABCDab0!
}

// ExampleBatch_AutoRotate shows failure isolation: the unreachable secret
// is reported and the others are still rotated.
func ExampleBatch_AutoRotate() {
	ctx := context.Background()
	store := memory.New("demo")
	stale := map[string]string{
		backend.KeyRotationEnabled: "true",
		backend.KeyLastRotated:     "2023-01-01T00:00:00Z",
	}
	for _, p := range []string{"svc/a", "svc/b", "svc/c"} {
		store.Seed(p, backend.Payload{"password": "old"}, stale)
	}
	store.Errors["write:svc/b"] = backend.MarkConnection(errors.New("connection reset"))

	batch := rotation.NewBatch(rotation.NewEngine(store), rotation.WithWorkers(2))
	report, err := batch.AutoRotate(ctx, "svc", rotation.AutoOptions{})
	if err != nil {
		log.Fatal(err)
	}
	for _, o := range report.Outcomes {
		fmt.Printf("%s rotated=%t class=%q\n", o.Ref.Path(), o.Rotated != nil, backend.Classify(o.Err))
	}
	fmt.Println(report.Summary())
	fmt.Println("fatal:", report.Fatal())
	// Output:
	// svc/a rotated=true class=""
	// svc/b rotated=false class="connection"
	// svc/c rotated=true class=""
	// 3 secret(s): 2 due, 2 rotated, 1 failed
	// fatal: true
}
