package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		name string
		set  func(cs *CacheStatus)
		want string
	}{
		{"hit", func(cs *CacheStatus) { cs.Hit() }, "vworker; hit"},
		{"stale hit", func(cs *CacheStatus) { cs.Hit(); cs.Detail("stale") }, "vworker; hit; detail=stale"},
		{"miss", func(cs *CacheStatus) { cs.Forward(FwdReasonUriMiss) }, "vworker; fwd=uri-miss"},
		{"refetched", func(cs *CacheStatus) { cs.Forward(FwdReasonStale) }, "vworker; fwd=stale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := New("vworker")
			tt.set(cs)
			if got := cs.String(); got != tt.want {
				t.Fatalf("Cache-Status is %q, want %q", got, tt.want)
			}
		})
	}
}
