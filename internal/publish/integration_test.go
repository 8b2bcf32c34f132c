//go:build integration

package publish

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ligustah/lidarfetch/internal/testutils"
)

func TestPublishToMinio(t *testing.T) {
	ctx := context.Background()
	env := testutils.StartMinioContainer(t, ctx, "lidar-outputs")
	defer env.Close(ctx)

	work := t.TempDir()
	data := testutils.GenerateTestData(t, 256*1024)
	tif := filepath.Join(work, "tile_SU12", "SU12.tif")
	if err := os.MkdirAll(filepath.Dir(tif), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tif, data, 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Open(ctx, env.BucketURL, Options{Prefix: "runs/it"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	objects, err := p.Publish(ctx, Plan(work, tif))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "runs/it/tile_SU12/SU12.tif" {
		t.Fatalf("unexpected objects: %+v", objects)
	}

	got := env.ReadObject(t, ctx, "runs/it/tile_SU12/SU12.tif")
	testutils.CompareReaderToData(t, bytes.NewReader(got), data)

	if err := p.PutJSON(ctx, "lidarfetch-run.json", map[string]string{"run_id": "it"}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	var summary map[string]string
	if err := p.GetJSON(ctx, "lidarfetch-run.json", &summary); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if summary["run_id"] != "it" {
		t.Errorf("summary = %v", summary)
	}

	bkt, err := env.OpenBucket(ctx)
	if err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
	defer bkt.Close()

	listed, err := New(bkt, Options{Prefix: "runs/it"}).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("listed %d objects, want 2: %+v", len(listed), listed)
	}
}
