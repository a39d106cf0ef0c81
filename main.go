package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/choraleia/persona/pkg/service"
	"github.com/choraleia/persona/pkg/skills"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "persona",
	Short:        "persona - conversational personas with long-term memory and skills",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send a single message to a persona and stream the reply",
	RunE:  runChat,
}

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Manage skills",
}

var skillsSyncCmd = &cobra.Command{
	Use:   "sync [dir]",
	Short: "Register every skill manifest found under the skills directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSkillsSync,
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered skills",
	Args:  cobra.NoArgs,
	RunE:  runSkillsList,
}

var skillsEnableCmd = &cobra.Command{
	Use:   "enable <persona-id> <skill-id>",
	Short: "Enable a skill for a persona",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPersonaSkill(cmd, args, true) },
}

var skillsDisableCmd = &cobra.Command{
	Use:   "disable <persona-id> <skill-id>",
	Short: "Disable a skill for a persona",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPersonaSkill(cmd, args, false) },
}

var (
	chatPersona string
	chatUser    string
	chatMessage string
	chatModel   string
	chatJSON    bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.persona/config.yaml)")

	chatCmd.Flags().StringVarP(&chatPersona, "persona", "p", "", "persona id")
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "cli", "user id")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to send")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "override the expressive model for this turn")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print every stream event as JSON")
	_ = chatCmd.MarkFlagRequired("persona")
	_ = chatCmd.MarkFlagRequired("message")

	skillsCmd.AddCommand(skillsSyncCmd, skillsListCmd, skillsEnableCmd, skillsDisableCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, chatCmd, skillsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if spec := app.Config.CompressCron(); spec != "" {
		sweeper := service.NewSweeper(app.Chat, spec)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	server := NewServer(app)
	if err := server.Start(ctx); err != nil {
		app.Logger.Error("Failed to start server", "error", err)
		return err
	}
	app.Logger.Info("Shutting down")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_, logger, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.AutoMigrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("Database schema is up to date")
	return nil
}

func runSkillsSync(cmd *cobra.Command, args []string) error {
	cfg, logger, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	dir := cfg.SkillsDir()
	if len(args) == 1 {
		dir = args[0]
	}
	synced, err := skills.Sync(cmd.Context(), st, dir, logger)
	if err != nil {
		return err
	}
	for _, sk := range synced {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", sk.ID, sk.Name, sk.Runtime)
	}
	return nil
}

func runSkillsList(cmd *cobra.Command, args []string) error {
	_, _, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	list, err := st.ListSkills(cmd.Context())
	if err != nil {
		return err
	}
	for _, sk := range list {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", sk.ID, sk.Name, sk.Runtime, sk.EntryPath)
	}
	return nil
}

func setPersonaSkill(cmd *cobra.Command, args []string, enabled bool) error {
	_, logger, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.SetPersonaSkill(cmd.Context(), args[0], args[1], enabled); err != nil {
		return err
	}
	logger.Info("Persona skill updated", "personaID", args[0], "skillID", args[1], "enabled", enabled)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	events, err := app.Chat.StreamTurn(ctx, service.TurnRequest{
		PersonaID:     chatPersona,
		UserID:        chatUser,
		Content:       chatMessage,
		ModelOverride: chatModel,
	})
	if err != nil {
		return err
	}
	return printStream(cmd, events)
}

func printStream(cmd *cobra.Command, events <-chan *service.StreamEvent) error {
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var failed error
	for ev := range events {
		if chatJSON {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		switch data := ev.Data.(type) {
		case service.DeltaData:
			if !chatJSON {
				fmt.Fprint(out, data.Content)
			}
		case service.ToolCallData:
			if !chatJSON {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n[tool %s %s]\n", data.Name, data.Arguments)
			}
		case service.CompleteData:
			if !chatJSON {
				fmt.Fprintln(out)
			}
		case service.ErrorData:
			failed = fmt.Errorf("%s: %s", data.Code, data.Message)
		}
	}
	return failed
}
