package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/slic/internal/trace"
)

type kindRecord struct {
	Kind     string
	Count    int
	MaxDepth uint16
	ids      map[uint32]int
}

func (r *kindRecord) String() string {
	return fmt.Sprintf("% 20s count=% 8d ids=% 5d max_depth=% 4d", r.Kind, r.Count, len(r.ids), r.MaxDepth)
}

func (r *kindRecord) Add(e trace.Event) {
	r.Count++
	r.ids[e.ID]++
	if e.Depth > r.MaxDepth {
		r.MaxDepth = e.Depth
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trace file to read")
	sums := fs.Bool("sums", false, "Print per-kind event counts")

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

	if *sums {
		records := map[string]*kindRecord{}
		displayOrder := []string{}
		if err := trace.ReadAll(f, func(name string, e trace.Event) error {
			record, ok := records[name]
			if !ok {
				displayOrder = append(displayOrder, name)
				record = &kindRecord{Kind: name, ids: map[uint32]int{}}
				records[name] = record
			}
			record.Add(e)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
		for _, name := range displayOrder {
			fmt.Printf("%s\n", records[name].String())
		}
	} else {
		if err := trace.ReadAll(f, func(name string, e trace.Event) error {
			fmt.Printf("#%d %s id=%d prio=%d thr=%d depth=%d\n",
				e.Seq, name, e.ID, e.Priority, e.Threshold, e.Depth)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
	}
}
