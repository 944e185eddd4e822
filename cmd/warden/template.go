package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/warden/internal/app"
	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/guild/guildtest"
	"github.com/foxzi/warden/internal/importer"
	"github.com/foxzi/warden/internal/template"
)

// offlineGuildID names the empty in-memory guild used by --offline.
const offlineGuildID = "offline"

var (
	templateName        string
	templateDescription string
	templateFormat      string
	templateOutput      string
	templateTags        []string
	templateSave        bool
	templateNoPerms     bool
	templateNoChannel   bool
	templateNoRole      bool
	templateExclChannel []string
	templateExclRole    []string
	templateGuild       string
	templateRef         string
	templateStrategy    string
	templateSkip        []string
	templateDryRun      bool
	templateOffline     bool
	templateSearch      string
	templateTag         string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Server template commands",
}

var templateExportCmd = &cobra.Command{
	Use:   "export <guild-id>",
	Short: "Export a server into a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateExport,
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a template file",
	Long: `Validate a template file. With --guild the platform limits are also
checked against that server's current roles and channels.`,
	Args: cobra.ExactArgs(1),
	RunE: runTemplateValidate,
}

var templateImportCmd = &cobra.Command{
	Use:   "import <guild-id> [file]",
	Short: "Apply a template to a server",
	Long: `Apply a template file, or a stored template named with --template, to a
server. The command waits for the import to finish; interrupting it
cancels the remaining steps.

Use --dry-run to print the plan without touching the server, and
--offline to plan against an empty server without Discord access.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTemplateImport,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Print a stored template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete a stored template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	templateExportCmd.Flags().StringVar(&templateName, "name", "", "Template name (required)")
	templateExportCmd.Flags().StringVar(&templateDescription, "description", "", "Template description")
	templateExportCmd.Flags().StringSliceVar(&templateTags, "tag", nil, "Template tags")
	templateExportCmd.Flags().BoolVar(&templateSave, "save", false, "Store the template in the library")
	templateExportCmd.Flags().BoolVar(&templateNoPerms, "no-permissions", false, "Do not capture permission overwrites")
	templateExportCmd.Flags().BoolVar(&templateNoChannel, "no-channel-data", false, "Do not capture topics, slowmode and voice settings")
	templateExportCmd.Flags().BoolVar(&templateNoRole, "no-role-data", false, "Do not capture role colours, permissions and flags")
	templateExportCmd.Flags().StringSliceVar(&templateExclChannel, "exclude-channel", nil, "Channel IDs to leave out")
	templateExportCmd.Flags().StringSliceVar(&templateExclRole, "exclude-role", nil, "Role IDs to leave out")
	templateExportCmd.Flags().StringVarP(&templateOutput, "output", "o", "", "Output file (default: stdout)")
	templateExportCmd.MarkFlagRequired("name")

	templateValidateCmd.Flags().StringVar(&templateGuild, "guild", "", "Check limits against this guild")

	templateImportCmd.Flags().StringVar(&templateRef, "template", "", "Stored template ID or name")
	templateImportCmd.Flags().StringVar(&templateStrategy, "strategy", "merge", "Conflict strategy: merge, overwrite, skip")
	templateImportCmd.Flags().StringSliceVar(&templateSkip, "skip", nil, "Sections to skip: roles, channels, settings")
	templateImportCmd.Flags().BoolVar(&templateDryRun, "dry-run", false, "Print the plan without applying it")
	templateImportCmd.Flags().BoolVar(&templateOffline, "offline", false, "Plan against an empty in-memory server")

	templateListCmd.Flags().StringVar(&templateSearch, "search", "", "Filter by name or description")
	templateListCmd.Flags().StringVar(&templateTag, "tag", "", "Filter by tag")

	for _, c := range []*cobra.Command{templateExportCmd, templateValidateCmd, templateImportCmd, templateShowCmd} {
		c.Flags().StringVar(&templateFormat, "format", "", "Template format: json or yaml (default: from file extension, else json)")
	}

	templateCmd.AddCommand(
		templateExportCmd,
		templateValidateCmd,
		templateImportCmd,
		templateListCmd,
		templateShowCmd,
		templateDeleteCmd,
	)
	rootCmd.AddCommand(templateCmd)
}

// getEngine builds an engine from the config file. With offline set no
// Discord session is opened and the only guild is an empty in-memory one.
func getEngine(offline bool) (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	var guilds guild.Resolver
	if offline {
		guilds = guildtest.NewRegistry(guildtest.New(offlineGuildID, "Offline"))
	} else {
		session, err := guild.NewDiscordSession(cfg.Discord.Token)
		if err != nil {
			return nil, nil, err
		}
		guilds = &guild.DiscordResolver{Session: session}
	}

	db, err := app.OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	store, err := template.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	e := engine.New(guilds, store, engine.Config{
		StepTimeout:       cfg.Import.StepTimeout,
		SerializePerGuild: cfg.Import.Serialize(),
		Limits:            cfg.Import.Limits,
	}, discardLogger())

	cleanup := func() {
		e.Close(context.Background())
		db.Close()
	}
	return e, cleanup, nil
}

// formatFor picks the flag value, then the file extension, then JSON.
func formatFor(flag, path string) (template.Format, error) {
	if flag != "" {
		return template.ParseFormat(flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return template.FormatYAML, nil
	default:
		return template.FormatJSON, nil
	}
}

func readTemplateFile(path, format string) (*template.Template, error) {
	f, err := formatFor(format, path)
	if err != nil {
		return nil, err
	}

	var data []byte
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return template.Decode(data, f)
}

func writeTemplate(w io.Writer, tmpl *template.Template, format template.Format) error {
	data, err := template.Encode(tmpl, format)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func printValidation(w io.Writer, res template.ValidationResult) {
	if res.Valid {
		fmt.Fprintln(w, "Template is valid")
	} else {
		fmt.Fprintf(w, "Template is invalid (%d errors)\n", len(res.Errors))
	}
	for _, issue := range res.Errors {
		fmt.Fprintf(w, "  error:   %s [%s]\n", issue, issue.Code)
	}
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", issue)
	}
}

func printPlan(w io.Writer, plan *importer.Plan) {
	counts := plan.Counts()
	fmt.Fprintf(w, "Plan (%s): %d create, %d update, %d skip\n", plan.Strategy, counts.Create, counts.Update, counts.Skip)
	if len(plan.SkippedSections) > 0 {
		fmt.Fprintf(w, "Skipped sections: %v\n", plan.SkippedSections)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tNAME\tTARGET")
	for i, s := range plan.Steps {
		target := s.TargetID
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, s.Kind, s.Name(), target)
	}
	tw.Flush()
}

func printSummary(w io.Writer, sum importer.Summary, results []importer.StepResult) {
	fmt.Fprintf(w, "Import %s: %s\n", sum.OperationID, sum.Status)
	fmt.Fprintf(w, "  created: %d  updated: %d  skipped: %d  failed: %d  (%dms)\n",
		sum.Created, sum.Updated, sum.Skipped, sum.Failed, sum.DurationMs)
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "  step %d %s %q failed: %s\n", r.Index, r.Step.Kind, r.Step.Name(), r.Error)
		}
		for _, warning := range r.Warnings {
			fmt.Fprintf(w, "  step %d %s %q: %s\n", r.Index, r.Step.Kind, r.Step.Name(), warning)
		}
	}
}

func runTemplateExport(cmd *cobra.Command, args []string) error {
	format, err := formatFor(templateFormat, templateOutput)
	if err != nil {
		return err
	}

	e, cleanup, err := getEngine(false)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := template.DefaultExportOptions()
	opts.IncludePermissions = !templateNoPerms
	opts.IncludeChannelData = !templateNoChannel
	opts.IncludeRoleData = !templateNoRole
	opts.ExcludedChannels = templateExclChannel
	opts.ExcludedRoles = templateExclRole
	opts.Tags = templateTags

	tmpl, err := e.ExportServerTemplate(cmd.Context(), engine.ExportRequest{
		GuildID:     args[0],
		Name:        templateName,
		Description: templateDescription,
		Options:     opts,
		Save:        templateSave,
	})
	if err != nil {
		return fmt.Errorf("failed to export guild: %w", err)
	}

	if templateOutput == "" {
		return writeTemplate(os.Stdout, tmpl, format)
	}

	f, err := os.Create(templateOutput)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := writeTemplate(f, tmpl, format); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Exported %d roles and %d channels to %s\n", len(tmpl.Roles), len(tmpl.Channels), templateOutput)
	if templateSave {
		fmt.Fprintf(os.Stderr, "Saved as %s\n", tmpl.ID)
	}
	return nil
}

func runTemplateValidate(cmd *cobra.Command, args []string) error {
	tmpl, err := readTemplateFile(args[0], templateFormat)
	if err != nil {
		return err
	}

	var res template.ValidationResult
	if templateGuild == "" {
		res = template.NewValidator(template.DefaultLimits()).Validate(tmpl)
	} else {
		e, cleanup, err := getEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err = e.ValidateTemplate(cmd.Context(), tmpl, templateGuild)
		if err != nil {
			return err
		}
	}

	printValidation(os.Stdout, res)
	if !res.Valid {
		return fmt.Errorf("template is invalid")
	}
	return nil
}

func runTemplateImport(cmd *cobra.Command, args []string) error {
	strategy, err := importer.ParseStrategy(templateStrategy)
	if err != nil {
		return err
	}
	skip, err := importer.ParseSections(templateSkip)
	if err != nil {
		return err
	}
	if (len(args) == 2) == (templateRef != "") {
		return fmt.Errorf("give either a template file or --template")
	}

	guildID := args[0]
	if templateOffline {
		guildID = offlineGuildID
	}

	e, cleanup, err := getEngine(templateOffline)
	if err != nil {
		return err
	}
	defer cleanup()

	var tmpl *template.Template
	if templateRef != "" {
		tmpl, err = e.GetTemplate(cmd.Context(), templateRef)
	} else {
		tmpl, err = readTemplateFile(args[1], templateFormat)
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := e.ImportServerTemplate(ctx, guildID, tmpl, engine.ImportOptions{
		Strategy:     strategy,
		SkipSections: skip,
		DryRun:       templateDryRun,
		Wait:         true,
	})
	if errors.Is(err, engine.ErrInvalidTemplate) {
		printValidation(os.Stdout, res.Validation)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to import template: %w", err)
	}

	if len(res.Validation.Warnings) > 0 {
		printValidation(os.Stdout, res.Validation)
	}
	printPlan(os.Stdout, res.Plan)
	if !res.Started {
		return nil
	}

	if res.Summary == nil {
		// Interrupted: the engine stops at the next step boundary.
		e.CancelImport(res.OperationID)
		op, _ := e.Tracker().Operation(res.OperationID)
		<-op.Done()
		fmt.Fprintln(os.Stderr, "Import interrupted")
	}

	snap, err := e.GetImportStatus(res.OperationID)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, snap.Summary(), snap.Results)
	if snap.Status != importer.StatusCompleted {
		return fmt.Errorf("import %s", snap.Status)
	}
	return nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	e, cleanup, err := getEngine(true)
	if err != nil {
		return err
	}
	defer cleanup()

	templates, err := e.ListTemplates(cmd.Context(), template.ListFilter{Search: templateSearch, Tag: templateTag})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLES\tCHANNELS\tTAGS\tCREATED")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			t.ID[:8],
			t.Name,
			t.Roles,
			t.Channels,
			strings.Join(t.Tags, ","),
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d templates\n", len(templates))
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	format, err := template.ParseFormat(templateFormat)
	if err != nil {
		return err
	}

	e, cleanup, err := getEngine(true)
	if err != nil {
		return err
	}
	defer cleanup()

	tmpl, err := e.GetTemplate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeTemplate(os.Stdout, tmpl, format)
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	e, cleanup, err := getEngine(true)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := e.DeleteTemplate(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %s deleted\n", args[0])
	return nil
}
