package domain

import "testing"

func TestOptimizationStatusCanMoveTo(t *testing.T) {
	tests := []struct {
		from, to OptimizationStatus
		want     bool
	}{
		{OptimizationPending, OptimizationProcessing, true},
		{OptimizationProcessing, OptimizationCompleted, true},
		{OptimizationProcessing, OptimizationFailed, true},
		{OptimizationFailed, OptimizationPending, true},
		{OptimizationPending, OptimizationCompleted, false},
		{OptimizationCompleted, OptimizationPending, false},
		{OptimizationCompleted, OptimizationProcessing, false},
		{OptimizationFailed, OptimizationProcessing, false},
	}

	for _, tc := range tests {
		if got := tc.from.CanMoveTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseOwnerKind(t *testing.T) {
	tests := []struct {
		raw     string
		want    OwnerKind
		wantErr bool
	}{
		{raw: "product", want: OwnerProduct},
		{raw: "Weaver", want: OwnerWeaver},
		{raw: `App\Models\Story`, want: OwnerStory},
		{raw: " campaign ", want: OwnerCampaign},
		{raw: "user", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseOwnerKind(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseOwnerKind(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseOwnerKind(%q) = %q, %v; want %q", tc.raw, got, err, tc.want)
		}
	}
}

func TestMediaBlobPaths(t *testing.T) {
	m := Media{
		Path: "media/2026/10/18/a.jpg",
		OptimizedPaths: map[Rendition]string{
			RenditionFull:  "media/2026/10/18/renditions/a_full.jpg",
			RenditionThumb: "media/2026/10/18/renditions/a_thumb.jpg",
		},
	}

	got := m.BlobPaths()
	want := []string{
		"media/2026/10/18/a.jpg",
		"media/2026/10/18/renditions/a_thumb.jpg",
		"media/2026/10/18/renditions/a_full.jpg",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
