package runner

import (
	"fmt"
	"io"
	"time"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/pipeline"
)

// Render writes a run report to w: indented JSON when asJSON is set, a
// human-readable summary otherwise.
func Render(w io.Writer, info *pipeline.LoadInfo, asJSON bool) error {
	if asJSON {
		data, err := jsonpool.MarshalIndent(info, "", "  ")
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode run report")
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	}
	renderHuman(w, info)
	return nil
}

func renderHuman(w io.Writer, info *pipeline.LoadInfo) {
	fmt.Fprintf(w, "Pipeline %s -> %s (run %s)\n", info.Pipeline, info.Destination, info.RunID)
	for _, p := range info.Packages {
		tag := ""
		if p.Recovered {
			tag = ", recovered"
		}
		fmt.Fprintf(w, "  package %s (%s%s)\n", p.LoadID, p.State, tag)
		if p.Extract != nil {
			fmt.Fprintf(w, "    extracted  %d records from %d resources in %s\n",
				p.Extract.Records, len(p.Extract.Resources), round(p.Timings.Extract))
		}
		if p.Normalize != nil {
			fmt.Fprintf(w, "    normalized %d records into %d tables (%d quarantined) in %s\n",
				p.Normalize.Records, len(p.Normalize.Rows), p.Normalize.Quarantined, round(p.Timings.Normalize))
		}
		if p.Load != nil {
			var rows int64
			for _, n := range p.Load.RowsLoaded {
				rows += n
			}
			fmt.Fprintf(w, "    loaded     %d rows via %d jobs (%d skipped, %d failed) in %s\n",
				rows, len(p.Load.Jobs), p.Load.Skipped, p.Load.Failed, round(p.Timings.Load))
		}
		if p.Committed {
			fmt.Fprintf(w, "    committed  schema v%d (%.8s)\n", p.SchemaVersion, p.SchemaHash)
		}
	}
	if len(info.Pruned) > 0 {
		fmt.Fprintf(w, "  pruned %d old packages\n", len(info.Pruned))
	}

	elapsed := round(info.FinishedAt.Sub(info.StartedAt))
	if info.HasFailed() {
		fmt.Fprintf(w, "Run failed after %s: %s\n", elapsed, info.Error)
		return
	}
	fmt.Fprintf(w, "Run completed in %s: %d packages committed, %d rows loaded.\n",
		elapsed, len(info.Loaded()), info.TotalRows())
}

func round(d time.Duration) time.Duration {
	if d >= time.Second {
		return d.Round(10 * time.Millisecond)
	}
	return d.Round(time.Millisecond)
}
