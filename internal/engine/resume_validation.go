package engine

// resumeValidators are the response headers checked against the values
// captured on a task's first probe to decide whether a paused
// download's temp parts are still valid to resume from, adapted from
// the reference implementation's StateManager.Validate.
var resumeValidators = []string{"Etag", "Last-Modified"}

// validateResumable reports whether a remote resource probed again
// still matches what it looked like when the task's existing parts
// were last written. Each validator (ETag, Last-Modified) is compared
// only when both probes carry it; a mismatch in either means the file on
// the server has changed underneath a paused download and any partial
// parts must be discarded rather than resumed.
func validateResumable(previous, current map[string]string) bool {
	if len(previous) == 0 {
		return true
	}
	for _, key := range resumeValidators {
		prevVal := previous[key]
		curVal := current[key]
		if prevVal != "" && curVal != "" && prevVal != curVal {
			return false
		}
	}
	return true
}
