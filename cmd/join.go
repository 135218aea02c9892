package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-whiteboard/config"
	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/transport"
	"github.com/alimasry/go-whiteboard/undo"
	"github.com/alimasry/go-whiteboard/whiteboard"
)

type joinOptions struct {
	server     string
	user       string
	document   string
	token      string
	originator bool
	rxOnly     bool
	websocket  bool
	status     time.Duration
}

func newJoinCommand(vip *viper.Viper) *cobra.Command {
	var opts joinOptions
	cmd := &cobra.Command{
		Use:   "join <document>",
		Short: "Join a shared whiteboard and follow it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup(vip)
			if err != nil {
				return err
			}
			defer logger.Sync()
			opts.document = args[0]
			return runJoin(cmd.Context(), conf, logger, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.server, "server", "s", "localhost", "relay address, host[:port] or ws:// URL")
	f.StringVarP(&opts.user, "user", "u", os.Getenv("USER"), "name shown to other users")
	f.StringVar(&opts.token, "token", "", "document token; the first user to join sets it")
	f.BoolVar(&opts.originator, "originator", false, "start the session with a blank page")
	f.BoolVar(&opts.rxOnly, "rxonly", false, "lecture mode, never transmit")
	f.BoolVar(&opts.websocket, "websocket", false, "connect through the relay's WebSocket endpoint")
	f.DurationVar(&opts.status, "status-interval", 5*time.Second, "how often to print session status")
	f.Int("compression-level", defaults.Client.CompressionLevel, "gzip level for large payloads, 0 disables")
	mustBind(vip, "client.compression-level", f.Lookup("compression-level"))
	return cmd
}

func runJoin(ctx context.Context, conf config.Config, logger *zap.Logger, opts joinOptions, out io.Writer) error {
	d := doc.NewDocument()
	if opts.originator {
		d.InsertPage(doc.NewPage(doc.DefaultPageProps()), 0)
	}
	ed := &consoleEditor{out: out}
	sopts := []whiteboard.Opt{
		whiteboard.WithLogger(logger.Named("sync")),
		whiteboard.WithConfig(conf.Client),
	}
	if opts.websocket {
		sopts = append(sopts, whiteboard.WithDialer(transport.WebSocketDialer{}))
	}
	s := whiteboard.New(d, undo.NewHistory(d, opts.user), ed, sopts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err := s.Connect(opts.server, whiteboard.JoinParams{
		User:     opts.user,
		Document: opts.document,
		Token:    opts.token,
		RxOnly:   opts.rxOnly,
	}, opts.originator)
	if err != nil {
		return err
	}

	if !opts.originator {
		g.Go(func() error {
			if err := s.WaitForDocument(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := reportLoaded(s, d, ed); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return reportStatus(ctx, s, ed, opts.status)
	})
	return g.Wait()
}

// reportLoaded prints the size of a document that finished loading.
func reportLoaded(s *whiteboard.Session, d *doc.Document, ed *consoleEditor) error {
	var pages, strokes int
	if err := s.Do(func() { pages, strokes = d.PageCount(), d.StrokeCount() }); err != nil {
		return fmt.Errorf("count document: %w", err)
	}
	ed.printf("document loaded: %d pages, %d strokes, %s\n",
		pages, strokes, humanize.Bytes(s.BytesReceived()))
	return nil
}

// reportStatus prints a line whenever the session state or client list
// changes, and fails once the session is off for good.
func reportStatus(ctx context.Context, s *whiteboard.Session, ed *consoleEditor, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		state := s.State()
		if state == whiteboard.Off {
			return errors.New("session closed")
		}
		line := fmt.Sprintf("%s, %d clients, %s received", state, len(s.Clients()), humanize.Bytes(s.BytesReceived()))
		if line != last {
			ed.printf("%s\n", line)
			last = line
		}
	}
}

// consoleEditor prints session messages.
type consoleEditor struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleEditor) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}

func (e *consoleEditor) Message(text string, level whiteboard.Level) {
	switch level {
	case whiteboard.LevelWarning:
		e.printf("warning: %s\n", text)
	case whiteboard.LevelError:
		e.printf("error: %s\n", text)
	default:
		e.printf("%s\n", text)
	}
}

func (e *consoleEditor) Repaint()                     {}
func (e *consoleEditor) RemoteChange(int, int)        {}
func (e *consoleEditor) InvalidateStroke(*doc.Stroke) {}
func (e *consoleEditor) InvalidatePage(*doc.Page)     {}
func (e *consoleEditor) Busy() bool                   { return false }
