package model

// Part is one byte-range segment of a multi-connection download. Parts are
// only meaningful while a task is being fetched with range support; a
// single-worker or non-range download still gets exactly one Part covering
// the whole file so persistence and resume logic never special-case it.
type Part struct {
	DownloadID      string
	PartNumber      int
	StartByte       int64
	EndByte         int64
	DownloadedBytes int64
	TempPath        string
	Completed       bool
}

// Size returns the number of bytes this part covers.
func (p *Part) Size() int64 {
	return p.EndByte - p.StartByte + 1
}

// Remaining returns the bytes left to fetch for this part.
func (p *Part) Remaining() int64 {
	return p.Size() - p.DownloadedBytes
}

// PlanParts splits a file of the given size into n contiguous, non-overlapping
// byte ranges. The last part absorbs any remainder from integer division.
func PlanParts(downloadID string, fileSize int64, n int) []*Part {
	if n < 1 {
		n = 1
	}
	parts := make([]*Part, 0, n)
	base := fileSize / int64(n)
	if base < 1 {
		base = fileSize
		n = 1
	}
	var start int64
	for i := 0; i < n; i++ {
		end := start + base - 1
		if i == n-1 {
			end = fileSize - 1
		}
		parts = append(parts, &Part{
			DownloadID: downloadID,
			PartNumber: i,
			StartByte:  start,
			EndByte:    end,
		})
		start = end + 1
	}
	return parts
}
