package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alimasry/go-whiteboard/server"
)

func newDocsCommand(vip *viper.Viper) *cobra.Command {
	var relay string
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List the documents a relay holds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := setup(vip); err != nil {
				return err
			}
			docs, err := fetchDocs(cmd, relay)
			if err != nil {
				return err
			}
			return printDocs(cmd.OutOrStdout(), docs, time.Now())
		},
	}
	cmd.Flags().StringVar(&relay, "relay", "http://localhost:8080", "relay HTTP address")
	return cmd
}

func fetchDocs(cmd *cobra.Command, relay string) ([]server.DocSummary, error) {
	url := strings.TrimSuffix(relay, "/") + "/api/docs"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	var docs []server.DocSummary
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return docs, nil
}

func printDocs(w io.Writer, docs []server.DocSummary, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tSIZE\tCLIENTS\tUPDATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, humanize.Bytes(uint64(d.Size)), d.Clients,
			humanize.RelTime(d.UpdatedAt, now, "ago", "from now"))
	}
	return tw.Flush()
}
