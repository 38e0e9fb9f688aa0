package emit

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinytelemetry/accesstats/internal/aggregate"
	"github.com/tinytelemetry/accesstats/internal/model"
)

func snapshot(t *testing.T, records ...model.Record) *aggregate.Snapshot {
	t.Helper()
	e := aggregate.NewEngine()
	if err := e.Consume(3, records); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	return e.Finalize()
}

func TestPoints_HitsAndStatus(t *testing.T) {
	t.Parallel()

	s := snapshot(t,
		model.Record{VHost: "example.com", Protocol: "s", LocTag: "api", Status: 200},
		model.Record{VHost: "example.com", Protocol: "s", LocTag: "api", Status: 500},
	)
	points := slices.Collect(Points(s, Options{
		BucketDuration: 60,
		GlobalTags:     map[string]string{"host": "web1", "name": "edge"},
	}))

	byName := make(map[string][]model.Point)
	for _, p := range points {
		byName[p.Measurement] = append(byName[p.Measurement], p)
	}

	hits := byName["hits"]
	if len(hits) != 1 {
		t.Fatalf("hits points = %d, want 1", len(hits))
	}
	want := model.Point{
		Measurement: "hits",
		Tags: map[string]string{
			"host": "web1", "name": "edge",
			"vhost": "example.com", "protocol": "https", "loctag": "api",
		},
		Timestamp: 180,
		Value:     2,
		Integer:   true,
	}
	if diff := cmp.Diff(want, hits[0]); diff != "" {
		t.Errorf("hits point mismatch (-want +got):\n%s", diff)
	}

	status := byName["status"]
	if len(status) != 2 || status[0].Tags["status"] != "200" || status[1].Tags["status"] != "500" {
		t.Fatalf("status points = %+v, want 200 then 500", status)
	}
	if byName["gzip_count_percent"][0].Integer {
		t.Error("gzip_count_percent must be a float field")
	}
}

func TestPoints_PlaceholdersAndProtocol(t *testing.T) {
	t.Parallel()

	s := snapshot(t, model.Record{
		VHost:    "example.com",
		Protocol: "",
		Status:   200,
		Upstream: &model.Upstream{
			ServersContacted: 1,
			Attempts:         []model.UpstreamAttempt{{Address: "", Status: 0}},
		},
	})

	for p := range Points(s, Options{BucketDuration: 60}) {
		if p.Tags["protocol"] != "http" {
			t.Errorf("%s protocol = %q, want http", p.Measurement, p.Tags["protocol"])
		}
		if p.Tags["loctag"] != "-" {
			t.Errorf("%s loctag = %q, want -", p.Measurement, p.Tags["loctag"])
		}
		if p.Measurement == "upstreams_status" {
			if p.Tags["upstream"] != "-" || p.Tags["status"] != "-" {
				t.Errorf("upstreams_status tags = %v, want placeholders", p.Tags)
			}
		}
	}
}

func TestPoints_DeterministicOrderAndEarlyStop(t *testing.T) {
	t.Parallel()

	s := snapshot(t,
		model.Record{VHost: "b.example", Status: 200},
		model.Record{VHost: "a.example", Status: 200},
	)
	first := slices.Collect(Points(s, Options{BucketDuration: 60}))
	second := slices.Collect(Points(s, Options{BucketDuration: 60}))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("emission is not deterministic (-first +second):\n%s", diff)
	}
	if first[0].Measurement != "hits" || first[0].Tags["vhost"] != "a.example" {
		t.Errorf("first point = %+v, want hits for a.example", first[0])
	}

	n := 0
	for range Points(s, Options{BucketDuration: 60}) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("early stop yielded %d points, want 2", n)
	}
}

func TestPoints_NilSnapshot(t *testing.T) {
	t.Parallel()

	if got := slices.Collect(Points(nil, Options{BucketDuration: 60})); len(got) != 0 {
		t.Errorf("Points(nil) = %v, want none", got)
	}
}

func TestPoints_ConsumedOnce(t *testing.T) {
	t.Parallel()

	s := snapshot(t, model.Record{VHost: "a.example", Status: 200})
	seq := Points(s, Options{BucketDuration: 60})
	if n := len(slices.Collect(seq)); n == 0 {
		t.Fatal("first pass yielded no points")
	}
	if again := slices.Collect(seq); len(again) != 0 {
		t.Fatalf("second pass yielded %d points, want 0", len(again))
	}
}
