package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"warroom/internal/app"
	"warroom/internal/domain"
	"warroom/internal/engine"
	"warroom/internal/events"
	"warroom/internal/server"
	warroomsdk "warroom/sdk/go"
)

// caseBackend is the set of case operations the CLI needs. The API client
// satisfies it directly; localBackend serves it from the workspace ledger.
type caseBackend interface {
	SubmitCase(ctx context.Context, in warroomsdk.CaseInput) (warroomsdk.Case, error)
	ListCases(ctx context.Context, phase string, limit int, cursor string) (warroomsdk.PaginatedCases, error)
	Snapshot(ctx context.Context, caseID string) (warroomsdk.Snapshot, error)
	Events(ctx context.Context, caseID string) ([]warroomsdk.Event, error)
	Follow(ctx context.Context, caseID string, after int64, fn func(warroomsdk.Event)) (warroomsdk.Event, error)
	Cancel(ctx context.Context, caseID string) (warroomsdk.Case, error)
	Resynthesize(ctx context.Context, caseID string) error
}

type localBackend struct {
	env *app.Env
}

func (b localBackend) SubmitCase(ctx context.Context, in warroomsdk.CaseInput) (warroomsdk.Case, error) {
	c, err := b.env.Dispatcher.Submit(ctx, engine.SubmitInput{
		Title:              in.Title,
		Facts:              in.Facts,
		Jurisdiction:       in.Jurisdiction,
		Stakes:             in.Stakes,
		DeliberationRounds: in.DeliberationRounds,
	})
	if err != nil {
		return warroomsdk.Case{}, err
	}
	return toAPICase(c)
}

func (b localBackend) ListCases(ctx context.Context, phase string, limit int, cursor string) (warroomsdk.PaginatedCases, error) {
	if limit <= 0 {
		limit = 50
	}
	var cursorTS, cursorID string
	if cursor != "" {
		var ok bool
		cursorTS, cursorID, ok = strings.Cut(cursor, "|")
		if !ok {
			return warroomsdk.PaginatedCases{}, fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	items, err := b.env.Ledger.ListCases(ctx, limit+1, domain.Phase(phase), cursorTS, cursorID)
	if err != nil {
		return warroomsdk.PaginatedCases{}, err
	}
	var page warroomsdk.PaginatedCases
	if len(items) > limit {
		last := items[limit-1]
		page.NextCursor = last.CreatedAt + "|" + last.ID
		items = items[:limit]
	}
	if err := convert(items, &page.Items); err != nil {
		return warroomsdk.PaginatedCases{}, err
	}
	return page, nil
}

func (b localBackend) Snapshot(ctx context.Context, caseID string) (warroomsdk.Snapshot, error) {
	snap, err := b.env.Ledger.Snapshot(ctx, caseID)
	if err != nil {
		return warroomsdk.Snapshot{}, err
	}
	var out warroomsdk.Snapshot
	if err := convert(snap, &out); err != nil {
		return warroomsdk.Snapshot{}, err
	}
	return out, nil
}

func (b localBackend) Events(ctx context.Context, caseID string) ([]warroomsdk.Event, error) {
	if _, err := b.env.Ledger.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	items, err := b.env.Ledger.EventsAfter(ctx, caseID, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]warroomsdk.Event, 0, len(items))
	for _, evt := range items {
		out = append(out, toAPIEvent(evt))
	}
	return out, nil
}

func (b localBackend) Follow(ctx context.Context, caseID string, after int64, fn func(warroomsdk.Event)) (warroomsdk.Event, error) {
	if _, err := b.env.Ledger.GetCase(ctx, caseID); err != nil {
		return warroomsdk.Event{}, err
	}
	sub, err := b.env.Bus.Subscribe(ctx, caseID, after)
	if err != nil {
		return warroomsdk.Event{}, err
	}
	var last warroomsdk.Event
	for evt := range sub.C {
		last = toAPIEvent(evt)
		if fn != nil {
			fn(last)
		}
	}
	if err := sub.Err(); err != nil {
		return last, err
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, nil
}

func (b localBackend) Cancel(ctx context.Context, caseID string) (warroomsdk.Case, error) {
	c, err := b.env.Dispatcher.Cancel(ctx, caseID)
	if err != nil {
		return warroomsdk.Case{}, err
	}
	return toAPICase(c)
}

func (b localBackend) Resynthesize(ctx context.Context, caseID string) error {
	return b.env.Dispatcher.Resynthesize(ctx, caseID)
}

func toAPICase(c domain.Case) (warroomsdk.Case, error) {
	var out warroomsdk.Case
	if err := convert(c, &out); err != nil {
		return warroomsdk.Case{}, err
	}
	return out, nil
}

func toAPIEvent(evt events.Event) warroomsdk.Event {
	out := warroomsdk.Event{CaseID: evt.CaseID, Seq: evt.Seq, Kind: string(evt.Kind), TS: evt.TS}
	if len(evt.Payload) > 0 {
		_ = json.Unmarshal(evt.Payload, &out.Payload)
	}
	return out
}

// withBackend runs fn against the API when --server is set and against the
// local workspace otherwise. Local workflows run in this process, so callers
// that start one must wait for it before returning.
func withBackend(ctx context.Context, fn func(context.Context, caseBackend) error) error {
	if base := strings.TrimSpace(viper.GetString("server")); base != "" {
		client := warroomsdk.New(base)
		client.BearerToken = viper.GetString("token")
		return fn(ctx, client)
	}
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		return fn(ctx, localBackend{env: env})
	})
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Submit and inspect cases",
		Long:  "A case is a legal dispute run through the agent workflow. Without --server the workflow runs in this process against the workspace ledger.",
	}
	c.AddCommand(caseSubmitCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseEventsCmd())
	c.AddCommand(caseWatchCmd())
	c.AddCommand(caseCancelCmd())
	c.AddCommand(caseResynthesizeCmd())
	return c
}

func caseSubmitCmd() *cobra.Command {
	var in warroomsdk.CaseInput
	var rounds int
	var follow, detach bool
	var factsFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a case and run its deliberation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if factsFile != "" {
				b, err := os.ReadFile(factsFile)
				if err != nil {
					return err
				}
				in.Facts = string(b)
			}
			if cmd.Flags().Changed("rounds") {
				in.DeliberationRounds = &rounds
			}
			remote := strings.TrimSpace(viper.GetString("server")) != ""
			if detach && !remote {
				return fmt.Errorf("--detach needs --server; local cases run in this process")
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				c, err := b.SubmitCase(ctx, in)
				if err != nil {
					return err
				}
				if detach {
					return printCase(c)
				}
				if !viper.GetBool("json") {
					fmt.Printf("case %s submitted (%d rounds)\n", c.ID, c.DeliberationRounds)
				}
				var printer func(warroomsdk.Event)
				if follow && !viper.GetBool("json") {
					printer = printEventLine
				}
				last, err := b.Follow(ctx, c.ID, 0, printer)
				if err != nil {
					return err
				}
				snap, err := b.Snapshot(ctx, c.ID)
				if err != nil {
					return err
				}
				if err := printSnapshot(snap); err != nil {
					return err
				}
				if last.Kind == string(events.Error) {
					return fmt.Errorf("case %s failed: %v", c.ID, last.Payload["message"])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "case title")
	cmd.Flags().StringVar(&in.Facts, "facts", "", "case facts")
	cmd.Flags().StringVar(&factsFile, "facts-file", "", "read case facts from a file")
	cmd.Flags().StringVar(&in.Jurisdiction, "jurisdiction", "", "governing jurisdiction")
	cmd.Flags().StringVar(&in.Stakes, "stakes", "", "what the client stands to gain or lose")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "deliberation rounds (configured default when unset)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print events as they happen")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the server accepts the case")
	return cmd
}

func caseListCmd() *cobra.Command {
	var phase, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				page, err := b.ListCases(ctx, phase, limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Phase", "Rounds", "Created"})
				for _, c := range page.Items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Phase, c.DeliberationRounds, c.CreatedAt})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("more: --cursor %q\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor from a previous listing")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its records and strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				snap, err := b.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	return cmd
}

func caseEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <case-id>",
		Short: "Print the persisted event log of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				items, err := b.Events(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Kind", "TS", "Detail"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.Seq, evt.Kind, evt.TS, eventDetail(evt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseWatchCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "watch <case-id>",
		Short: "Stream events of a case until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				show := printEventLine
				if viper.GetBool("json") {
					show = func(evt warroomsdk.Event) { _ = printJSON(evt) }
				}
				_, err := b.Follow(ctx, args[0], after, show)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "start after this event seq")
	return cmd
}

func caseCancelCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Cancel a case (operator)",
		Long:  "Stops a running workflow and marks the case failed. Against a server with auth on, a token is minted from the configured JWT secret when --token is not given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("server") != "" && viper.GetString("token") == "" {
				token, err := operatorToken(subject, 5*time.Minute)
				if err != nil {
					return err
				}
				if token != "" {
					viper.Set("token", token)
				}
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				c, err := b.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "as", "wr-cli", "subject of the minted operator token")
	return cmd
}

func caseResynthesizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resynthesize <case-id>",
		Short: "Write the next strategy version of a complete case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b caseBackend) error {
				before, err := b.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if err := b.Resynthesize(ctx, args[0]); err != nil {
					return err
				}
				last, err := b.Follow(ctx, args[0], before.LastEventSeq, nil)
				if err != nil {
					return err
				}
				if last.Kind == string(events.Error) {
					return fmt.Errorf("resynthesis failed: %v", last.Payload["message"])
				}
				snap, err := b.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token from the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := operatorToken(subject, ttl)
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("no JWT secret configured; the server runs without auth")
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "as", "wr-cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// operatorToken signs an operator token with the secret named by the config,
// or returns "" when that variable is unset.
func operatorToken(subject string, ttl time.Duration) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	secret := os.Getenv(cfg.Server.JWTSecretEnv)
	if secret == "" {
		return "", nil
	}
	return server.SignToken(secret, subject, []string{server.RoleOperator}, ttl)
}

func printCase(c warroomsdk.Case) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"Title", c.Title},
		{"Phase", c.Phase},
		{"Rounds", c.DeliberationRounds},
		{"Updated", c.UpdatedAt},
	})
	if c.FailureReason != "" {
		tw.AppendRow(table.Row{"Failure", c.FailureReason})
	}
	tw.Render()
	return nil
}

func printSnapshot(snap warroomsdk.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	if err := printCase(snap.Case); err != nil {
		return err
	}
	if len(snap.Arguments) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Arguments")
		tw.AppendHeader(table.Row{"Seq", "Role", "Round", "Kind", "Text"})
		for _, a := range snap.Arguments {
			tw.AppendRow(table.Row{a.Seq, a.Role, a.Round, a.Kind, clip(a.Content.Text, 80)})
		}
		tw.Render()
	}
	if len(snap.Conflicts) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Conflicts")
		tw.AppendHeader(table.Row{"Issue", "Agents", "Status"})
		for _, c := range snap.Conflicts {
			tw.AppendRow(table.Row{c.Issue, strings.Join(c.AgentsInvolved, ", "), c.Status})
		}
		tw.Render()
	}
	if snap.Strategy != nil {
		fmt.Printf("\nStrategy v%d\n\n%s\n", snap.Strategy.Version, snap.Strategy.Content)
	}
	return nil
}

func printEventLine(evt warroomsdk.Event) {
	fmt.Printf("%4d  %-28s %s\n", evt.Seq, evt.Kind, eventDetail(evt))
}

// eventDetail is a one-line summary of the payload fields people look for.
func eventDetail(evt warroomsdk.Event) string {
	var parts []string
	for _, key := range []string{"role", "phase", "round", "attempt_count", "count", "version", "message"} {
		if v, ok := evt.Payload[key]; ok && v != nil && v != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
