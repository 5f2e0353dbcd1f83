package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/colstore/internal/colstore"
	"github.com/maruel/colstore/internal/config"
)

// handle is an open transaction manager with the lock handles it owns.
type handle struct {
	*colstore.TransactionManager
	locks []io.Closer
}

func (h *handle) Close() error {
	err := h.TransactionManager.Close()
	for _, l := range h.locks {
		err = errors.Join(err, l.Close())
	}
	return err
}

// open opens the named table, retrying while another process holds it.
func open(ctx context.Context, cfg *config.Config, name string) (*handle, error) {
	schema, err := cfg.Schema(name)
	if err != nil {
		return nil, err
	}
	logLock, err := colstore.OpenTxnLogLock(cfg.DataDir, name)
	if err != nil {
		return nil, err
	}
	recLock, err := colstore.OpenRecordsLock(cfg.DataDir, name)
	if err != nil {
		return nil, errors.Join(err, logLock.Close())
	}
	opts := &colstore.Options{Logger: slog.Default()}
	var tm *colstore.TransactionManager
	err = colstore.RetryFor(ctx, cfg.Retry.Timeout, cfg.Limiter(), func() error {
		tm, err = colstore.OpenTransactionManager(logLock, recLock, schema, opts)
		return err
	})
	if err != nil {
		return nil, errors.Join(err, logLock.Close(), recLock.Close())
	}
	return &handle{TransactionManager: tm, locks: []io.Closer{logLock, recLock}}, nil
}

func tableArg(args []string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, errors.New("missing table name")
	}
	return args[0], args[1:], nil
}

func cmdInsert(ctx context.Context, cfg *config.Config, args []string) error {
	name, rest, err := tableArg(args)
	if err != nil {
		return err
	}
	schema, err := cfg.Schema(name)
	if err != nil {
		return err
	}
	row, err := buildRow(schema, rest)
	if err != nil {
		return err
	}
	h, err := open(ctx, cfg, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			slog.WarnContext(ctx, "Failed to close table", "table", name, "err", err)
		}
	}()
	var id colstore.RowID
	err = colstore.RetryFor(ctx, cfg.Retry.Timeout, cfg.Limiter(), func() error {
		id, err = h.InsertOne(row)
		return err
	})
	if err != nil {
		return err
	}
	if h.Degraded() {
		slog.WarnContext(ctx, "Row committed but missing from the transaction log", "id", id, "err", h.AuditErr())
	}
	fmt.Println(id)
	return nil
}

// buildRow parses col=value assignments into a row in schema order. Every
// column must be assigned exactly once.
func buildRow(schema *colstore.Schema, assignments []string) (colstore.Row, error) {
	row := make(colstore.Row, len(schema.Columns))
	set := make([]bool, len(schema.Columns))
	for _, a := range assignments {
		col, raw, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("expected col=value, got %q", a)
		}
		i := schema.Index(col)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", colstore.ErrUnknownColumn, col)
		}
		if set[i] {
			return nil, fmt.Errorf("column %q assigned twice", col)
		}
		v, err := colstore.ParseValue(schema.Columns[i].Type, raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		row[i] = v
		set[i] = true
	}
	for i, ok := range set {
		if !ok {
			return nil, fmt.Errorf("column %q is not assigned", schema.Columns[i].Name)
		}
	}
	return row, nil
}

type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, " ") }

func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdFirst(ctx context.Context, cfg *config.Config, args []string) error {
	name, rest, err := tableArg(args)
	if err != nil {
		return err
	}
	schema, err := cfg.Schema(name)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("first", flag.ContinueOnError)
	sel := fs.String("select", "", "Comma separated columns to print; \"id\" is the row id")
	var where stringsFlag
	fs.Var(&where, "where", "Condition such as \"a>20\"; repeat for a conjunction")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if *sel == "" {
		return errors.New("-select is required")
	}
	projection := strings.Split(*sel, ",")
	preds := make([]colstore.Predicate, 0, len(where))
	for _, w := range where {
		p, err := colstore.ParsePredicate(schema, w)
		if err != nil {
			return err
		}
		preds = append(preds, p)
	}

	h, err := open(ctx, cfg, name)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	row, found, err := colstore.FirstMatch(h, projection, preds...)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("no match")
		return nil
	}
	fmt.Println(formatRow(projection, row))
	return nil
}

func cmdDump(ctx context.Context, cfg *config.Config, args []string) error {
	name, rest, err := tableArg(args)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("unknown arguments: %v", rest)
	}
	h, err := open(ctx, cfg, name)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	t := h.Table()
	names := make([]string, 0, len(t.Schema().Columns)+1)
	names = append(names, colstore.IDColumn)
	for _, c := range t.Schema().Columns {
		names = append(names, c.Name)
	}
	for id, row := range t.Rows() {
		fmt.Println(formatRow(names, append(colstore.Row{id}, row...)))
	}
	slog.DebugContext(ctx, "Dumped table", "table", name, "rows", t.Len())
	return nil
}

func formatRow(names []string, row colstore.Row) string {
	var b strings.Builder
	for i, v := range row {
		if i != 0 {
			b.WriteByte('\t')
		}
		if s, ok := v.(string); ok {
			_, _ = fmt.Fprintf(&b, "%s=%q", names[i], s)
		} else {
			_, _ = fmt.Fprintf(&b, "%s=%v", names[i], v)
		}
	}
	return b.String()
}

func logPath(cfg *config.Config, args []string) (string, error) {
	name, rest, err := tableArg(args)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("unknown arguments: %v", rest)
	}
	if _, err := cfg.Schema(name); err != nil {
		return "", err
	}
	return filepath.Join(cfg.DataDir, name, colstore.TxnLogFileName), nil
}

func formatEntry(e *colstore.LogEntry) string {
	s := fmt.Sprintf("%s %s %s %s %s rows=%d", e.Time.Format("2006-01-02T15:04:05.000Z07:00"), e.TxnID, e.Table, e.Op, e.Outcome, len(e.RowIDs))
	if e.Error != "" {
		s += fmt.Sprintf(" error=%q", e.Error)
	}
	return s
}

func cmdLog(_ context.Context, cfg *config.Config, args []string) error {
	path, err := logPath(cfg, args)
	if err != nil {
		return err
	}
	entries, err := colstore.ReadTransactionLog(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Println(formatEntry(e))
	}
	return nil
}

// cmdTail prints the transaction log, then every frame appended to it until
// ctx is canceled.
func cmdTail(ctx context.Context, cfg *config.Config, args []string) error {
	path, err := logPath(cfg, args)
	if err != nil {
		return err
	}
	f, err := os.Open(path) //nolint:gosec // G304: path is derived from the configuration
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}
	defer func() { _ = f.Close() }()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(path); err != nil {
		return err
	}
	t := &tailer{f: f, out: os.Stdout}
	if err := t.drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return fmt.Errorf("%s was removed", path)
			}
			if event.Has(fsnotify.Write) {
				if err := t.drain(); err != nil {
					return err
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching transaction log", "err", err)
		}
	}
}

// tailer prints complete frames from a growing log file.
type tailer struct {
	f      io.ReadSeeker
	out    io.Writer
	offset int64
}

// drain prints every complete frame past the offset. A frame still being
// written is left for the next call.
func (t *tailer) drain() error {
	if _, err := t.f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	lr := colstore.NewLogReader(t.f)
	for e := range lr.All() {
		if _, err := fmt.Fprintln(t.out, formatEntry(e)); err != nil {
			return err
		}
	}
	t.offset += lr.Offset()
	if err := lr.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}
