package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/dispatch"
	"github.com/shutterdesk/autoresponder/internal/email"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/inbox"
	"github.com/shutterdesk/autoresponder/internal/store"
	"github.com/shutterdesk/autoresponder/internal/template"
	"github.com/shutterdesk/autoresponder/internal/web"
)

var (
	cfgFile string
	verbose bool
	dryRun  bool
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoresponder",
		Short: "Studio auto-responder for inquiries and social comments",
		Long: `autoresponder answers contact-form inquiries, inbound mail and social
comments for a photography studio using pre-written templates.

Each item is classified on arrival, then dispatched once the channel's
response delay, working hours and daily limit allow it.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.autoresponder/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(inquiriesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with the studio details and email settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)
	cfg := config.Default()

	fmt.Println("Studio auto-responder setup")
	fmt.Println("===========================")
	fmt.Println()

	cfg.Studio.Name = prompt(reader, "Studio name: ")
	for {
		cfg.Studio.Email = prompt(reader, "Studio email address: ")
		if err := email.ValidateEmail(cfg.Studio.Email); err == nil {
			break
		}
		fmt.Println("  Please enter a valid email address.")
	}
	if tz := prompt(reader, fmt.Sprintf("Timezone [%s]: ", cfg.Studio.Timezone)); tz != "" {
		cfg.Studio.Timezone = tz
	}

	fmt.Println()
	provider := prompt(reader, "Email provider (smtp/resend/sendgrid/dryrun) [dryrun]: ")
	if provider == "" {
		provider = "dryrun"
	}
	cfg.Email.Provider = provider
	cfg.Email.From = cfg.Studio.Email
	cfg.Email.FromName = cfg.Studio.Name

	switch provider {
	case "smtp":
		cfg.Email.SMTP.Host = prompt(reader, "  SMTP host [smtp.gmail.com]: ")
		if cfg.Email.SMTP.Host == "" {
			cfg.Email.SMTP.Host = "smtp.gmail.com"
		}
		cfg.Email.SMTP.Port = 465
		cfg.Email.SMTP.UseTLS = true
		cfg.Email.SMTP.Username = prompt(reader, "  SMTP username: ")
		fmt.Println("  Set the password with AUTORESPONDER_SMTP_PASSWORD or in a .env file next to the config.")
	case "resend":
		fmt.Println("  Set the API key with AUTORESPONDER_RESEND_API_KEY.")
	case "sendgrid":
		fmt.Println("  Set the API key with AUTORESPONDER_SENDGRID_API_KEY.")
	}

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review working hours and daily limits under 'policies'")
	fmt.Println("  2. Run 'autoresponder templates' to review the reply catalog")
	fmt.Println("  3. Run 'autoresponder serve' to accept inquiries")
	return nil
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the dispatch scheduler",
		Long: `Start the intake API, the dispatch scheduler and, when enabled in the
config, the IMAP inbox poller. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log replies instead of sending them")
	return cmd
}

func runServe(port int) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	if port > 0 {
		a.cfg.Server.Port = port
	}

	scheduler := dispatch.NewScheduler(a.dispatcher, a.cfg.Dispatch.PollInterval)
	scheduler.OnPass(logPass)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if a.cfg.Inbox.Enabled {
		if err := a.cfg.ValidateInbox(); err != nil {
			return fmt.Errorf("invalid inbox config: %w", err)
		}
		ingester := inbox.NewIngester(a.store, a.cfg.Inbox.Email, scheduler.Notify)
		poller := inbox.NewPoller(a.cfg.Inbox, ingester)
		go poller.Run(ctx)
	}

	srv, err := web.NewServer(web.Options{
		Config:     a.cfg.Server,
		Store:      a.store,
		Catalog:    a.catalog,
		Dispatcher: a.dispatcher,
		Notifier:   scheduler,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logPass(s dispatch.PassSummary) {
	if len(s.Results) == 0 {
		return
	}
	log.Info().
		Int("responded", s.Counts[dispatch.OutcomeResponded]).
		Int("failed", s.Counts[dispatch.OutcomeFailed]).
		Int("deferred", s.Counts[dispatch.OutcomeDeferred]).
		Int("stalled", s.Counts[dispatch.OutcomeStalled]).
		Dur("took", s.Duration).
		Msg("Dispatch pass")
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass over due items",
		Long:  "Answer every item whose response delay has elapsed, subject to working hours and daily limits, then exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch()
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log replies instead of sending them")
	return cmd
}

func runDispatch() error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.dispatcher.RunPass(ctx)
	if err != nil {
		return err
	}

	if len(summary.Results) == 0 {
		fmt.Println("No items are due.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tCHANNEL\tOUTCOME\tREASON\tTEMPLATE")
	for _, r := range summary.Results {
		reason := r.Reason
		if r.Error != "" {
			reason = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(r.ItemID), r.Channel, r.Outcome, reason, r.TemplateID)
	}
	w.Flush()

	fmt.Println()
	outcomes := make([]string, 0, len(summary.Counts))
	for o, n := range summary.Counts {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", o, n))
	}
	sort.Strings(outcomes)
	fmt.Printf("%d items in %v: %s\n", len(summary.Results), summary.Duration.Round(time.Millisecond), strings.Join(outcomes, " "))
	return nil
}

func monitorCmd() *cobra.Command {
	var days int
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Ingest inquiries from the studio inbox",
		Long: `Connect to the studio inbox via IMAP and turn new mail into email inquiries.

Bounces, auto-replies, mailing lists and the studio's own mail are skipped.
Mail already ingested is recognised by its Message-ID.

Requires inbox configuration in config.yaml with IMAP settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(days, once)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Number of days to look back (overrides inbox.since_days)")
	cmd.Flags().BoolVar(&once, "once", false, "Check the inbox once and exit")
	return cmd
}

func runMonitor(days int, once bool) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateInbox(); err != nil {
		return fmt.Errorf("invalid inbox config: %w", err)
	}
	if days > 0 {
		cfg.Inbox.SinceDays = days
	}
	if cfg.Store.Driver != "sqlite" {
		log.Warn().Msg("Store driver is memory; ingested inquiries are lost when monitor exits")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	poller := inbox.NewPoller(cfg.Inbox, inbox.NewIngester(st, cfg.Inbox.Email, nil))
	if !once {
		return ignoreCancel(poller.Run(ctx))
	}

	res, err := poller.Poll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d new inquiries (%d already known)\n", len(res.Created), res.Duplicates)
	for reason, n := range res.Skipped {
		fmt.Printf("  skipped %d: %s\n", n, reason)
	}
	for _, it := range res.Created {
		fmt.Printf("  %s  %-30s  %-10s  %s\n", shortID(it.ID), it.Sender.Handle, it.Category, it.Subject)
	}
	return nil
}

func templatesCmd() *cobra.Command {
	var file string
	var channel string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List and validate the reply template catalog",
		Long:  "Show the templates the dispatcher selects from, in selection order. Fails if the catalog is invalid.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemplates(file, inbound.Channel(channel))
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Catalog file to check (default: configured or built-in catalog)")
	cmd.Flags().StringVar(&channel, "channel", "", "Only show templates for this channel (email or social)")
	return cmd
}

func runTemplates(file string, channel inbound.Channel) error {
	var catalog *template.Catalog
	var err error
	if file != "" {
		catalog, err = template.LoadFromFile(file)
	} else {
		cfg, cerr := loadConfig()
		if cerr != nil {
			return cerr
		}
		catalog, err = loadCatalog(cfg)
	}
	if err != nil {
		return err
	}

	templates := catalog.Templates
	if channel != "" {
		if !channel.Valid() {
			return fmt.Errorf("unknown channel %q", channel)
		}
		templates = catalog.ForChannel(channel)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tCATEGORY\tPRIORITY\tENABLED\tSENTIMENT\tTOKENS")
	for _, t := range templates {
		ch := string(t.Channel)
		if ch == "" {
			ch = "any"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\t%s\n",
			t.ID, ch, t.Category, t.Priority, t.Enabled,
			joinSentiments(t.Conditions.Sentiment), strings.Join(template.Tokens(t.Body), ","))
	}
	w.Flush()
	fmt.Printf("\n%d templates, catalog valid\n", len(templates))
	return nil
}

func joinSentiments(s []inbound.Sentiment) string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func inquiriesCmd() *cobra.Command {
	var (
		channel, status, priority, search, sortBy, order string
		page, limit                                      int
	)

	cmd := &cobra.Command{
		Use:   "inquiries",
		Short: "List stored inquiries and comments",
		Long:  "Search, filter and page through stored items. Useful with the sqlite store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.Query{
				Channel:   inbound.Channel(channel),
				Status:    inbound.Status(status),
				Priority:  inbound.Priority(priority),
				Search:    search,
				Page:      page,
				Limit:     limit,
				SortBy:    store.SortField(sortBy),
				SortOrder: order,
			}
			return runInquiries(q)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Filter by channel (email or social)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (new, processing, responded, failed, ignored)")
	cmd.Flags().StringVar(&priority, "priority", "", "Filter by priority (low, medium, high)")
	cmd.Flags().StringVar(&search, "search", "", "Search name, email, subject and company")
	cmd.Flags().StringVar(&sortBy, "sort", "receivedAt", "Sort by receivedAt, name, priority or status")
	cmd.Flags().StringVar(&order, "order", "desc", "Sort order (asc or desc)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultLimit, "Items per page")
	return cmd
}

func runInquiries(q store.Query) error {
	if q.Channel != "" && !q.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", q.Channel)
	}
	if q.Status != "" && !q.Status.Valid() {
		return fmt.Errorf("unknown status %q", q.Status)
	}
	if q.Priority != "" && !q.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", q.Priority)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.List(context.Background(), q.Normalize())
	if err != nil {
		return err
	}
	if result.Total == 0 {
		fmt.Println("No inquiries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECEIVED\tCHANNEL\tFROM\tCATEGORY\tPRIORITY\tSTATUS\tSUBJECT")
	for _, it := range result.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(it.ID), it.ReceivedAt.Local().Format("Jan 2 15:04"), it.Channel,
			it.Sender.Handle, it.Category, it.Priority, it.Status, truncate(it.Subject, 40))
	}
	w.Flush()
	fmt.Printf("\nPage %d of %d (%d total)\n", result.Page, result.TotalPages, result.Total)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
