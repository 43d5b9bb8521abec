package backend

import (
	"context"
	"testing"
	"time"
)

// ContractTest defines a standard test suite that all backends must pass
type ContractTest struct {
	// CreateBackend creates a new, empty instance of the backend to test
	CreateBackend func(t *testing.T) Backend

	// PathPrefix is prepended to every path the suite writes
	PathPrefix string

	// SkipList skips the listing checks for backends whose fakes do not
	// model enumeration
	SkipList bool
}

// RunContractTests runs the standard backend contract test suite
func RunContractTests(t *testing.T, contract ContractTest) {
	t.Run("Contract", func(t *testing.T) {
		t.Run("Name", func(t *testing.T) {
			b := contract.CreateBackend(t)
			if b.Name() == "" {
				t.Error("Backend.Name() returned empty string")
			}
			if b.Kind() == "" {
				t.Error("Backend.Kind() returned empty kind")
			}
		})

		t.Run("ReadNotFound", func(t *testing.T) {
			testReadNotFound(t, contract)
		})

		t.Run("WriteRead", func(t *testing.T) {
			testWriteRead(t, contract)
		})

		t.Run("MergeWrite", func(t *testing.T) {
			testMergeWrite(t, contract)
		})

		t.Run("OverwriteWrite", func(t *testing.T) {
			testOverwriteWrite(t, contract)
		})

		t.Run("MetadataDefault", func(t *testing.T) {
			testMetadataDefault(t, contract)
		})

		t.Run("MetadataRoundTrip", func(t *testing.T) {
			testMetadataRoundTrip(t, contract)
		})

		if !contract.SkipList {
			t.Run("List", func(t *testing.T) {
				testList(t, contract)
			})
		}
	})
}

func (c ContractTest) path(p string) string {
	return JoinPath(c.PathPrefix, p)
}

func testReadNotFound(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	_, err := b.ReadPayload(context.Background(), contract.path("contract/missing"))
	if err == nil {
		t.Fatal("ReadPayload() on missing secret returned nil error")
	}
	if !IsNotFound(err) {
		t.Errorf("ReadPayload() error = %v, want ErrNotFound", err)
	}
}

func testWriteRead(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	ctx := context.Background()
	path := contract.path("contract/app")

	if err := b.WritePayload(ctx, path, Payload{"password": "s3cret", "user": "app"}, false); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}
	got, err := b.ReadPayload(ctx, path)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if got["password"] != "s3cret" || got["user"] != "app" {
		t.Errorf("ReadPayload() = %v, want password and user fields", got.Keys())
	}
}

func testMergeWrite(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	ctx := context.Background()
	path := contract.path("contract/merge")

	if err := b.WritePayload(ctx, path, Payload{"a": "1", "b": "2"}, false); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}
	if err := b.WritePayload(ctx, path, Payload{"a": "new"}, true); err != nil {
		t.Fatalf("WritePayload(merge) error = %v", err)
	}
	got, err := b.ReadPayload(ctx, path)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if got["a"] != "new" {
		t.Error("merge write did not update field a")
	}
	if got["b"] != "2" {
		t.Error("merge write did not preserve field b")
	}
}

func testOverwriteWrite(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	ctx := context.Background()
	path := contract.path("contract/overwrite")

	if err := b.WritePayload(ctx, path, Payload{"a": "1", "b": "2"}, false); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}
	if err := b.WritePayload(ctx, path, Payload{"a": "new"}, false); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}
	got, err := b.ReadPayload(ctx, path)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if _, ok := got["b"]; ok {
		t.Error("overwrite write preserved field b")
	}
}

func testMetadataDefault(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	ctx := context.Background()
	path := contract.path("contract/unflagged")

	if err := b.WritePayload(ctx, path, Payload{"password": "x"}, false); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}
	meta, err := b.ReadMetadata(ctx, path)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if meta.Enabled {
		t.Error("ReadMetadata() on unflagged secret returned Enabled=true")
	}
}

func testMetadataRoundTrip(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	ctx := context.Background()
	path := contract.path("contract/flagged")

	if err := b.WritePayload(ctx, path, Payload{"password": "x"}, false); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC)
	if err := b.WriteMetadata(ctx, path, Flagged(now, 3)); err != nil {
		t.Fatalf("WriteMetadata() error = %v", err)
	}
	meta, err := b.ReadMetadata(ctx, path)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if !meta.Enabled {
		t.Error("ReadMetadata() Enabled = false, want true")
	}
	if meta.Period(0) != 3 {
		t.Errorf("ReadMetadata() period = %d, want 3", meta.Period(0))
	}
	if meta.LastRotated == nil || !meta.LastRotated.Equal(now) {
		t.Errorf("ReadMetadata() LastRotated = %v, want %v", meta.LastRotated, now)
	}

	// Payload must survive metadata writes.
	got, err := b.ReadPayload(ctx, path)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if got["password"] != "x" {
		t.Error("WriteMetadata() changed the payload")
	}
}

func testList(t *testing.T, contract ContractTest) {
	b := contract.CreateBackend(t)
	ctx := context.Background()

	for _, p := range []string{"contract/list/one", "contract/list/two"} {
		if err := b.WritePayload(ctx, contract.path(p), Payload{"password": "x"}, false); err != nil {
			t.Fatalf("WritePayload(%s) error = %v", p, err)
		}
	}

	seen := map[string]bool{}
	for ref, err := range b.List(ctx, contract.path("contract/list")) {
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		seen[ref.Path()] = true
	}
	for _, p := range []string{"contract/list/one", "contract/list/two"} {
		if !seen[contract.path(p)] {
			t.Errorf("List() missing %s, got %v", contract.path(p), seen)
		}
	}
}
