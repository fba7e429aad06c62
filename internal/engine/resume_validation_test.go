package engine

import "testing"

func TestValidateResumableNoPriorState(t *testing.T) {
	if !validateResumable(nil, map[string]string{"Etag": `"abc"`}) {
		t.Fatal("expected no prior headers to always validate")
	}
}

func TestValidateResumableMatchingETag(t *testing.T) {
	prev := map[string]string{"Etag": `"abc"`}
	cur := map[string]string{"Etag": `"abc"`}
	if !validateResumable(prev, cur) {
		t.Fatal("expected matching ETag to validate")
	}
}

func TestValidateResumableChangedETag(t *testing.T) {
	prev := map[string]string{"Etag": `"abc"`}
	cur := map[string]string{"Etag": `"def"`}
	if validateResumable(prev, cur) {
		t.Fatal("expected changed ETag to invalidate resume")
	}
}

func TestValidateResumableFallsBackToLastModified(t *testing.T) {
	prev := map[string]string{"Last-Modified": "Mon, 01 Jan 2024 00:00:00 GMT"}
	cur := map[string]string{"Last-Modified": "Tue, 02 Jan 2024 00:00:00 GMT"}
	if validateResumable(prev, cur) {
		t.Fatal("expected changed Last-Modified to invalidate resume")
	}
}
