// ferrotrace reads a hypervisor event trace and prints the raw events.
// With -sums it aggregates durations per event kind, split by the guest the
// event concerned; with -guests it accounts guest-world versus host-world
// time for each guest identifier.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/zcxGGmu/ferrovisor/internal/hv/trace"
)

type durationStats struct {
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *durationStats) Add(duration time.Duration) {
	s.Count++
	s.Sum += duration
	if s.Min == 0 || duration < s.Min {
		s.Min = duration
	}
	if duration > s.Max {
		s.Max = duration
	}
}

func (s *durationStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// eventKey splits aggregation by the guest an event concerned, so one noisy
// guest does not hide in a kind-wide average.
type eventKey struct {
	Name  string
	Gasid uint8
}

// guestAccount is one guest's time split between worlds. Events flagged as
// guest time count toward Guest, host-flagged ones toward Host.
type guestAccount struct {
	Guest durationStats
	Host  durationStats
}

func printSums(records map[eventKey]*durationStats, flags map[eventKey]trace.EventFlags, order []eventKey) {
	for _, key := range order {
		s := records[key]
		fmt.Printf("% 24s gasid=% 4d flags=% 10s count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s\n",
			key.Name, key.Gasid, flags[key], s.Count, s.Sum, s.Min, s.Max, s.Avg())
	}
}

func printGuests(accounts map[uint8]*guestAccount) {
	gasids := make([]uint8, 0, len(accounts))
	for gasid := range accounts {
		gasids = append(gasids, gasid)
	}
	sort.Slice(gasids, func(i, j int) bool { return gasids[i] < gasids[j] })

	for _, gasid := range gasids {
		acct := accounts[gasid]
		label := fmt.Sprintf("gasid %d", gasid)
		if gasid == 0 {
			label = "host"
		}
		fmt.Printf("% 12s guest=% 16s (% 6d events) host=% 16s (% 6d events)\n",
			label, acct.Guest.Sum, acct.Guest.Count, acct.Host.Sum, acct.Host.Count)
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trace file to read")
	sums := fs.Bool("sums", false, "Print per-kind, per-guest summaries instead of raw events")
	guests := fs.Bool("guests", false, "Print per-guest time accounting instead of raw events")
	only := fs.Int("gasid", -1, "Only consider events for this guest identifier")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	records := map[eventKey]*durationStats{}
	recordFlags := map[eventKey]trace.EventFlags{}
	displayOrder := []eventKey{}
	accounts := map[uint8]*guestAccount{}

	if err := trace.ReadAllRecords(f, func(name string, flags trace.EventFlags, gasid uint8, duration time.Duration) error {
		if *only >= 0 && int(gasid) != *only {
			return nil
		}

		switch {
		case *sums:
			key := eventKey{Name: name, Gasid: gasid}
			s, ok := records[key]
			if !ok {
				displayOrder = append(displayOrder, key)
				s = &durationStats{}
				records[key] = s
				recordFlags[key] = flags
			}
			s.Add(duration)
		case *guests:
			acct, ok := accounts[gasid]
			if !ok {
				acct = &guestAccount{}
				accounts[gasid] = acct
			}
			if flags&trace.FlagGuestTime != 0 {
				acct.Guest.Add(duration)
			}
			if flags&trace.FlagHostTime != 0 {
				acct.Host.Add(duration)
			}
		default:
			fmt.Printf("% 24s gasid=% 4d %s\n", name, gasid, duration)
		}
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
		os.Exit(1)
	}

	if *sums {
		printSums(records, recordFlags, displayOrder)
	}
	if *guests {
		printGuests(accounts)
	}
}
