package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/export"
	"github.com/xtxerr/historian/internal/storage"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/query"
	"github.com/xtxerr/historian/internal/storage/types"
	"github.com/xtxerr/historian/internal/validation"
)

// shell executes commands against an open storage service.
type shell struct {
	svc *storage.Service
	out io.Writer
	now func() time.Time
}

type command struct {
	name  string
	args  string
	help  string
	run   func(s *shell, ctx context.Context, args []string) error
	input bool // takes the rest of the line verbatim
}

var commands []command

func init() {
	commands = []command{
		{name: "points", help: "list points", run: (*shell).points},
		{name: "create", args: "<xid> <type> [unit]", help: "register a point", run: (*shell).create},
		{name: "write", args: "<xid> <time> <value>", help: "write one sample", run: (*shell).write},
		{name: "query", args: "<xid> <from> <to> <period> [limit]", help: "aggregate one point", run: (*shell).query},
		{name: "aggregate", args: "<xid,...> <from> <to> <period> [limit]", help: "aggregate several points", run: (*shell).aggregate},
		{name: "summarize", args: "<xid> <from> <to> <period>", help: "calendar window statistics", run: (*shell).summarize},
		{name: "aligned", args: "<xid,...> <from> <to> [limit]", help: "raw samples by timestamp", run: (*shell).aligned},
		{name: "samples", args: "<xid,...> <from> <to> [limit]", help: "raw samples point by point", run: (*shell).samples},
		{name: "sql", args: "<statement>", help: "run SQL, {rollups} reads the rollup files", run: (*shell).sql, input: true},
		{name: "export", args: "<file> <xid,...> <from> <to> <period>", help: "write aggregates to a file", run: (*shell).export},
		{name: "rollup", help: "materialize pending rollups", run: (*shell).rollup},
		{name: "retention", help: "delete expired samples and rollups", run: (*shell).retention},
		{name: "stats", help: "show service statistics", run: (*shell).stats},
		{name: "help", help: "show this help", run: (*shell).help},
		{name: "exit", help: "leave the shell"},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// exec runs one input line. It reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	if name == "exit" || name == "quit" {
		return true, nil
	}

	cmd, ok := lookup(name)
	if !ok {
		return false, fmt.Errorf("unknown command %q, try help", name)
	}
	args := strings.Fields(rest)
	if cmd.input {
		args = []string{strings.TrimSpace(rest)}
	}
	return false, cmd.run(s, ctx, args)
}

func (s *shell) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(s.out)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	return t
}

func usage(name string) error {
	cmd, _ := lookup(name)
	return errors.NewValidation(name, "usage: "+name+" "+cmd.args)
}

// =============================================================================
// Points
// =============================================================================

func (s *shell) points(ctx context.Context, _ []string) error {
	points, err := s.svc.Points(ctx)
	if err != nil {
		return err
	}
	t := s.table("ID", "XID", "NAME", "TYPE", "UNIT")
	for _, p := range points {
		t.Append([]string{strconv.FormatInt(int64(p.ID), 10), p.XID, p.Name, p.DataType.String(), p.Unit})
	}
	t.Render()
	return nil
}

func (s *shell) create(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usage("create")
	}
	dt, err := types.ParseDataType(args[1])
	if err != nil {
		return errors.NewValidation("type", err.Error())
	}
	p := types.Point{XID: args[0], DataType: dt}
	if len(args) == 3 {
		p.Unit = args[2]
	}
	if err := s.svc.CreatePoint(ctx, &p); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "created %s with id %d\n", p.XID, p.ID)
	return nil
}

func (s *shell) write(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return usage("write")
	}
	p, err := s.svc.Point(ctx, args[0])
	if err != nil {
		return err
	}
	ts, err := parseTime(args[1], s.now())
	if err != nil {
		return err
	}
	v, err := parseValue(p.DataType, strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	sample := types.Sample{SeriesID: p.ID, TimestampMs: ts.UnixMilli(), Value: v}
	if err := s.svc.Ingest(ctx, []types.Sample{sample}); err != nil {
		return err
	}
	return s.svc.Flush(ctx)
}

func (s *shell) resolve(ctx context.Context, list string) ([]types.Point, error) {
	xids, err := validation.ParseXIDList(list)
	if err != nil {
		return nil, errors.NewValidation("points", err.Error())
	}
	points := make([]types.Point, 0, len(xids))
	for _, xid := range xids {
		p, err := s.svc.Point(ctx, xid)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// =============================================================================
// Queries
// =============================================================================

// window parses <from> <to> <period> starting at args[0].
func (s *shell) window(args []string) (time.Time, time.Time, period.Period, error) {
	now := s.now()
	from, err := parseTime(args[0], now)
	if err != nil {
		return time.Time{}, time.Time{}, period.Period{}, err
	}
	to, err := parseTime(args[1], now)
	if err != nil {
		return time.Time{}, time.Time{}, period.Period{}, err
	}
	p, err := period.Parse(args[2])
	if err != nil {
		return time.Time{}, time.Time{}, period.Period{}, errors.NewValidation("period", err.Error())
	}
	return from, to, p, nil
}

func parseLimit(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, errors.NewValidation("limit", fmt.Sprintf("%q is not a number", args[i]))
	}
	return n, nil
}

func (s *shell) query(ctx context.Context, args []string) error {
	if len(args) < 4 || len(args) > 5 {
		return usage("query")
	}
	p, err := s.svc.Point(ctx, args[0])
	if err != nil {
		return err
	}
	from, to, per, err := s.window(args[1:])
	if err != nil {
		return err
	}
	limit, err := parseLimit(args, 4)
	if err != nil {
		return err
	}
	it, err := s.svc.Query(ctx, p, from, to, limit, per)
	if err != nil {
		return err
	}
	return s.renderValues(it, []types.Point{p})
}

func (s *shell) aggregate(ctx context.Context, args []string) error {
	if len(args) < 4 || len(args) > 5 {
		return usage("aggregate")
	}
	points, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	from, to, per, err := s.window(args[1:])
	if err != nil {
		return err
	}
	limit, err := parseLimit(args, 4)
	if err != nil {
		return err
	}
	it, err := s.svc.Aggregate(ctx, points, from, to, limit, per)
	if err != nil {
		return err
	}
	return s.renderValues(it, points)
}

func (s *shell) renderValues(it iter.Iterator[*aggregate.Value], points []types.Point) error {
	names := make(map[types.SeriesID]string, len(points))
	for _, p := range points {
		names[p.ID] = p.String()
	}
	t := s.table("POINT", "START", "COUNT", "START VALUE", "FIRST", "LAST", "SUMMARY")
	err := iter.ForEach(it, func(v *aggregate.Value) error {
		t.Append([]string{
			names[v.SeriesID],
			formatMs(v.PeriodStart),
			humanize.Comma(v.Count),
			sampleValue(v.StartValue),
			sampleValue(v.First),
			sampleValue(v.Last),
			summary(v),
		})
		return nil
	})
	if err != nil {
		return err
	}
	t.Render()
	return nil
}

func summary(v *aggregate.Value) string {
	switch {
	case v.Numeric != nil:
		n := v.Numeric
		if !n.Known {
			return ""
		}
		out := fmt.Sprintf("min=%g max=%g avg=%g integral=%g", n.Minimum, n.Maximum, n.Average, n.Integral)
		if n.Percentiles != nil {
			out += fmt.Sprintf(" p50=%g p99=%g", n.Percentiles.P50, n.Percentiles.P99)
		}
		return out
	case v.Changes != nil:
		return fmt.Sprintf("changes=%d", v.Changes.Changes)
	case v.Runtime != nil:
		parts := make([]string, 0, len(v.Runtime.States))
		for _, st := range v.Runtime.States {
			parts = append(parts, fmt.Sprintf("%d:%.1f%%/%d", st.State, st.Proportion*100, st.Starts))
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func (s *shell) summarize(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return usage("summarize")
	}
	p, err := s.svc.Point(ctx, args[0])
	if err != nil {
		return err
	}
	from, to, per, err := s.window(args[1:])
	if err != nil {
		return err
	}
	it, err := s.svc.Summarize(ctx, p, from, to, per)
	if err != nil {
		return err
	}

	t := s.table("WINDOW", "COUNT", "SUM", "MIN", "MAX", "AVG", "P50", "P99")
	err = iter.ForEach(it, func(r aggregate.WindowResult) error {
		p50, p99 := "", ""
		if r.HasPercentiles() {
			p50, p99 = formatFloat(r.Percentiles.P50), formatFloat(r.Percentiles.P99)
		}
		t.Append([]string{
			formatMs(r.WindowStart),
			humanize.Comma(r.Count),
			formatFloat(r.Sum),
			formatFloat(r.Min),
			formatFloat(r.Max),
			formatFloat(r.Avg),
			p50, p99,
		})
		return nil
	})
	if err != nil {
		return err
	}
	t.Render()
	return nil
}

func (s *shell) aligned(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return usage("aligned")
	}
	points, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	now := s.now()
	from, err := parseTime(args[1], now)
	if err != nil {
		return err
	}
	to, err := parseTime(args[2], now)
	if err != nil {
		return err
	}
	limit, err := parseLimit(args, 3)
	if err != nil {
		return err
	}
	it, err := s.svc.Aligned(ctx, points, from, to, limit)
	if err != nil {
		return err
	}

	header := []string{"TIME"}
	for _, p := range points {
		header = append(header, p.String())
	}
	t := s.table(header...)
	err = iter.ForEach(it, func(row query.AlignedRow) error {
		cells := []string{formatMs(row.TimestampMs)}
		for _, p := range points {
			sample, ok := row.Get(p.ID)
			if !ok {
				cells = append(cells, "")
				continue
			}
			cells = append(cells, sample.Value.String())
		}
		t.Append(cells)
		return nil
	})
	if err != nil {
		return err
	}
	t.Render()
	return nil
}

func (s *shell) samples(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return usage("samples")
	}
	points, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	now := s.now()
	from, err := parseTime(args[1], now)
	if err != nil {
		return err
	}
	to, err := parseTime(args[2], now)
	if err != nil {
		return err
	}
	limit, err := parseLimit(args, 3)
	if err != nil {
		return err
	}
	it, err := s.svc.Samples(ctx, points, from, to, limit, cursor.PerSeries)
	if err != nil {
		return err
	}

	names := make(map[types.SeriesID]string, len(points))
	for _, p := range points {
		names[p.ID] = p.String()
	}
	t := s.table("POINT", "TIME", "VALUE")
	err = iter.ForEach(it, func(sample types.Sample) error {
		t.Append([]string{names[sample.SeriesID], formatMs(sample.TimestampMs), sample.Value.String()})
		return nil
	})
	if err != nil {
		return err
	}
	t.Render()
	return nil
}

func (s *shell) sql(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return usage("sql")
	}
	rows, err := s.svc.ExecuteSQL(ctx, args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(s.out, "(no rows)")
		return nil
	}

	var columns []string
	for col := range rows[0] {
		columns = append(columns, col)
	}
	slices.Sort(columns)

	t := s.table(columns...)
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = fmt.Sprint(row[col])
		}
		t.Append(cells)
	}
	t.Render()
	return nil
}

func (s *shell) export(ctx context.Context, args []string) (err error) {
	if len(args) != 5 {
		return usage("export")
	}
	points, err := s.resolve(ctx, args[1])
	if err != nil {
		return err
	}
	from, to, per, err := s.window(args[2:])
	if err != nil {
		return err
	}
	it, err := s.svc.Aggregate(ctx, points, from, to, 0, per)
	if err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		it.Close()
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := export.NewWriter(f)
	n, err := w.WriteAll(it)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "exported %s aggregates to %s\n", humanize.Comma(int64(n)), args[0])
	return nil
}

// =============================================================================
// Maintenance
// =============================================================================

func (s *shell) rollup(ctx context.Context, _ []string) error {
	if err := s.svc.RunRollups(ctx); err != nil {
		return err
	}
	st := s.svc.Stats()
	fmt.Fprintf(s.out, "rollups complete: %s aggregates stored, %s\n",
		humanize.Comma(st.Rollup.AggregatesWritten), diskUsage(st.RollupDisk.FileCount, st.RollupDisk.TotalSize))
	return nil
}

func (s *shell) retention(ctx context.Context, _ []string) error {
	result, err := s.svc.RunRetention(ctx)
	if err != nil {
		return err
	}
	t := s.table("POINTS", "SAMPLES DELETED", "FILES DELETED", "FREED", "SKIPPED", "ERRORS")
	t.Append([]string{
		strconv.Itoa(result.Points),
		humanize.Comma(result.SamplesDeleted),
		strconv.Itoa(result.FilesDeleted),
		humanize.Bytes(uint64(result.BytesFreed)),
		strconv.Itoa(result.PointsSkipped),
		strconv.Itoa(len(result.Errors)),
	})
	t.Render()
	for _, e := range result.Errors {
		fmt.Fprintf(s.out, "error: %v\n", e)
	}
	return nil
}

func (s *shell) stats(context.Context, []string) error {
	st := s.svc.Stats()
	t := s.table("STAT", "VALUE")
	t.AppendBulk([][]string{
		{"backend", st.Backend},
		{"uptime", st.Uptime.Round(time.Second).String()},
		{"samples received", humanize.Comma(st.Ingestion.SamplesReceived)},
		{"samples written", humanize.Comma(st.Ingestion.SamplesWritten)},
		{"samples dropped", humanize.Comma(st.Ingestion.SamplesDropped)},
		{"samples replayed", humanize.Comma(st.Ingestion.SamplesReplayed)},
		{"queue length", humanize.Comma(int64(st.Ingestion.QueueLength))},
		{"wal written", humanize.Bytes(uint64(st.Ingestion.WALBytesWritten))},
		{"backpressure", st.Backpressure.CurrentLevel.String()},
		{"queries", humanize.Comma(st.Query.QueriesExecuted)},
		{"query errors", humanize.Comma(st.Query.Errors)},
		{"rollup jobs", humanize.Comma(st.Rollup.JobsCompleted)},
		{"rollup aggregates", humanize.Comma(st.Rollup.AggregatesWritten)},
		{"rollup files", diskUsage(st.RollupDisk.FileCount, st.RollupDisk.TotalSize)},
		{"retention runs", humanize.Comma(st.Retention.Runs)},
		{"retention deleted", humanize.Comma(st.Retention.SamplesDeleted)},
	})
	t.Render()
	return nil
}

func (s *shell) help(context.Context, []string) error {
	t := s.table("COMMAND", "ARGUMENTS", "DESCRIPTION")
	for _, c := range commands {
		t.Append([]string{c.name, c.args, c.help})
	}
	t.Render()
	fmt.Fprintln(s.out, "Times are RFC 3339, a date, now, or now minus a period such as -1d.")
	return nil
}

// =============================================================================
// Parsing and Formatting
// =============================================================================

// parseTime accepts RFC 3339 timestamps, dates, "now" and "-<period>"
// relative to now.
func parseTime(s string, now time.Time) (time.Time, error) {
	switch {
	case s == "now":
		return now, nil
	case strings.HasPrefix(s, "-"):
		p, err := period.Parse(s[1:])
		if err != nil {
			return time.Time{}, errors.NewValidation("time", err.Error())
		}
		return p.Sub(now), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, errors.NewValidation("time", fmt.Sprintf("cannot parse %q", s))
}

// parseValue parses s as a value of data type dt.
func parseValue(dt types.DataType, s string) (types.DataValue, error) {
	switch dt {
	case types.DataTypeBinary:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return types.DataValue{}, errors.NewValidation("value", fmt.Sprintf("%q is not a binary value", s))
		}
		return types.BinaryValue(b), nil
	case types.DataTypeMultistate:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return types.DataValue{}, errors.NewValidation("value", fmt.Sprintf("%q is not a state", s))
		}
		return types.MultistateValue(int32(n)), nil
	case types.DataTypeNumeric:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.DataValue{}, errors.NewValidation("value", fmt.Sprintf("%q is not a number", s))
		}
		return types.NumericValue(f), nil
	case types.DataTypeAlphanumeric:
		return types.AlphanumericValue(s), nil
	default:
		return types.DataValue{}, errors.NewUnsupported("data type "+dt.String(), "write")
	}
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', 6, 64)
}

func sampleValue(s *types.Sample) string {
	if s == nil {
		return ""
	}
	return s.Value.String()
}

func diskUsage(files int, bytes int64) string {
	return fmt.Sprintf("%d files, %s", files, humanize.Bytes(uint64(bytes)))
}
