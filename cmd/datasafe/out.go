package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/TylerBrock/colorjson"
	"github.com/logrusorgru/aurora"
	"github.com/rcrowley/go-metrics"
)

var (
	TypeColor  = aurora.White
	TitleColor = aurora.Cyan
	Formatter  = colorjson.NewFormatter()

	w = tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
)

func init() {
	Formatter.Indent = 4
}

func MarshalToMap(obj interface{}) interface{} {
	b, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}

	var ret interface{}

	if err := json.Unmarshal(b, &ret); err != nil {
		panic(err)
	}

	return ret
}

func PrintColoredJSON(msg string, obj interface{}) {
	obj = MarshalToMap(obj)

	PrintTitle(msg)
	w.Flush()

	b, err := Formatter.Marshal(obj)
	if err != nil {
		panic(err)
	}

	fmt.Println(string(b))
}

func PrintTitle(name string) {
	fmt.Fprintln(w, aurora.Bold(TitleColor(name)))
}

func PrintStatus(status, subject string) {
	fmt.Fprintln(os.Stderr, aurora.Green(status), subject)
}

func PrintFailure(status, subject string) {
	fmt.Fprintln(os.Stderr, aurora.Red(status), subject)
}

func PrintResource(path, location string) {
	fmt.Println(path, aurora.Gray(12, location))
}

func printRow(name aurora.Value, v1 interface{}) {
	_, _ = fmt.Fprintf(w, "\t%s\t%v\t\n", name, v1)
}

// PrintMetrics prints every timer that recorded at least one event.
func PrintMetrics() {
	var names []string

	timers := make(map[string]metrics.Timer)

	metrics.DefaultRegistry.Each(func(name string, m interface{}) {
		if t, ok := m.(metrics.Timer); ok && t.Count() > 0 {
			names = append(names, name)
			timers[name] = t
		}
	})

	sort.Strings(names)

	fmt.Fprintln(w)
	PrintTitle("Metrics")

	for _, name := range names {
		t := timers[name]
		printRow(TypeColor(name), fmt.Sprintf("count=%d mean=%s max=%s",
			t.Count(), time.Duration(t.Mean()), time.Duration(t.Max())))
	}

	w.Flush()
}
