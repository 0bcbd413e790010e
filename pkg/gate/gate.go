package gate

import (
	"os"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/golang/glog"
)

// Gate caps the number of job directories present under Root. It is a point
// in time check, not a reservation: concurrent admissions may overshoot the
// ceiling slightly. The queue's slot limit is the hard bound.
type Gate struct {
	Root    string
	Ceiling int
}

func (g Gate) Count() (int, error) {
	entries, err := os.ReadDir(g.Root)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			count++
		}
	}
	return count, nil
}

// Check returns jobs.ErrBusy when the ceiling has been reached. A root that
// cannot be listed is logged and admitted.
func (g Gate) Check() error {
	count, err := g.Count()
	if err != nil {
		glog.Errorf("failed to count job directories in %s: %v", g.Root, err)
		return nil
	}
	if count >= g.Ceiling {
		glog.Warningf("job directory ceiling reached: %d/%d", count, g.Ceiling)
		return jobs.ErrBusy
	}
	return nil
}
