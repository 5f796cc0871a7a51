package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pawline/internal/app"
	"pawline/internal/config"
	"pawline/internal/db"
	"pawline/internal/domain"
	"pawline/internal/engine"
	"pawline/internal/repo"
	"pawline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "paw",
	Short: "Pawline CLI",
	Long: `Pawline coordinates pet adoptions: listings, adoption conversations,
and signed agreements, all backed by a workspace-local database.
- Workspace: the .pawline directory holding the database and rendered documents.
- Listing: a pet offered for adoption; available -> pending -> adopted (or withdrawn).
- Conversation: one thread per (listing, requester) pair with a gapless message log.
- Agreement: draft -> partially_signed -> finalized once both parties sign;
  finalization marks the pet adopted and closes the listing's conversations.
- Event log: diary of everything that happened, view with 'paw log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("profile-id", "local-user", "acting profile identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("profile-id", rootCmd.PersistentFlags().Lookup("profile-id"))
}

func registerCommands() {
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return viper.GetString("profile-id")
}

// --- profile ---

func profileCmd() *cobra.Command {
	profile := &cobra.Command{Use: "profile", Short: "Manage profiles"}
	profile.AddCommand(profileEnsureCmd())
	profile.AddCommand(profileShowCmd())
	return profile
}

func profileEnsureCmd() *cobra.Command {
	var id, name, region string
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create or update a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.EnsureProfile(ctx, id, name, region)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "profile id (defaults to --profile-id)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&region, "region", "", "region")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func profileShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

// --- listing ---

func listingCmd() *cobra.Command {
	listing := &cobra.Command{
		Use:   "listing",
		Short: "Manage pet listings",
	}
	listing.AddCommand(listingCreateCmd())
	listing.AddCommand(listingListCmd())
	listing.AddCommand(listingShowCmd())
	listing.AddCommand(listingWithdrawCmd())
	return listing
}

func listingCreateCmd() *cobra.Command {
	var name, species, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateListing(ctx, engine.ListingCreateOptions{
					OwnerID:     actorID(),
					Name:        name,
					Species:     species,
					Description: description,
				})
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "pet name")
	cmd.Flags().StringVar(&species, "species", "", "species")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func listingListCmd() *cobra.Command {
	var owner, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListListings(ctx, repo.ListingFilters{OwnerID: owner, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "SPECIES", "OWNER", "STATUS")
				for _, l := range items {
					t.AppendRow(table.Row{l.ID, l.Name, l.Species, l.OwnerID, l.Status})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func listingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetListing(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	return cmd
}

func listingWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a listing (closes conversations, voids pending agreements)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.WithdrawListing(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	return cmd
}

// --- chat ---

func chatCmd() *cobra.Command {
	chat := &cobra.Command{
		Use:   "chat",
		Short: "Adoption conversations",
		Long:  "One conversation per (listing, requester) pair. Messages get gapless sequence numbers; read marks only ever grow.",
	}
	chat.AddCommand(chatStartCmd())
	chat.AddCommand(chatShowCmd())
	chat.AddCommand(chatJoinCmd())
	chat.AddCommand(chatLeaveCmd())
	chat.AddCommand(chatCloseCmd())
	chat.AddCommand(chatSendCmd())
	chat.AddCommand(chatReadCmd())
	chat.AddCommand(chatMessagesCmd())
	return chat
}

func chatStartCmd() *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start (or reopen) a conversation about a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.StartConversation(ctx, listingID, actorID())
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing", "", "listing id")
	_ = cmd.MarkFlagRequired("listing")
	return cmd
}

func chatShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation with its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, parts, err := e.GetConversation(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"conversation": c, "participants": parts}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func chatJoinCmd() *cobra.Command {
	var profileID string
	cmd := &cobra.Command{
		Use:   "join <conversation-id>",
		Short: "Add a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if profileID == "" {
				profileID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddParticipant(ctx, args[0], profileID, actorID())
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "profile to add (defaults to --profile-id)")
	return cmd
}

func chatLeaveCmd() *cobra.Command {
	var profileID string
	cmd := &cobra.Command{
		Use:   "leave <conversation-id>",
		Short: "Remove a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if profileID == "" {
				profileID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RemoveParticipant(ctx, args[0], profileID, actorID())
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "profile to remove (defaults to --profile-id)")
	return cmd
}

func chatCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Close a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CloseConversation(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "close reason")
	return cmd
}

func chatSendCmd() *cobra.Command {
	var text, attachment string
	cmd := &cobra.Command{
		Use:   "send <conversation-id>",
		Short: "Post a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PostMessage(ctx, engine.MessagePostOptions{
					ConversationID: args[0],
					SenderID:       actorID(),
					Text:           text,
					AttachmentRef:  attachment,
				})
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&attachment, "attachment", "", "attachment reference")
	return cmd
}

func chatReadCmd() *cobra.Command {
	var upTo int64
	cmd := &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark messages read up to a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkRead(ctx, args[0], actorID(), upTo)
			})
		},
	}
	cmd.Flags().Int64Var(&upTo, "up-to", 0, "highest sequence number read")
	_ = cmd.MarkFlagRequired("up-to")
	return cmd
}

func chatMessagesCmd() *cobra.Command {
	var afterSeq int64
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List messages after a sequence cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMessages(ctx, args[0], afterSeq, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("SEQ", "SENDER", "TEXT", "READERS", "AT")
				for _, m := range items {
					t.AppendRow(table.Row{m.Seq, m.SenderID, m.Text, strings.Join(m.Readers, ","), m.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "return messages with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages")
	return cmd
}

// --- agreement ---

func agreementCmd() *cobra.Command {
	agreement := &cobra.Command{
		Use:   "agreement",
		Short: "Adoption agreements",
		Long:  "Agreements flow draft -> partially_signed -> finalized once both parties sign. Void is always available before finalization.",
	}
	agreement.AddCommand(agreementCreateCmd())
	agreement.AddCommand(agreementShowCmd())
	agreement.AddCommand(agreementSignCmd())
	agreement.AddCommand(agreementVoidCmd())
	agreement.AddCommand(agreementRenderCmd())
	return agreement
}

func agreementCreateCmd() *cobra.Command {
	var listingID, adopterID, conversationID, terms string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft an agreement (owner only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
					ListingID:      listingID,
					AdopterID:      adopterID,
					ConversationID: conversationID,
					Terms:          terms,
					ActorID:        actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing", "", "listing id")
	cmd.Flags().StringVar(&adopterID, "adopter", "", "adopter profile id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "originating conversation id")
	cmd.Flags().StringVar(&terms, "terms", "", "agreement terms")
	_ = cmd.MarkFlagRequired("listing")
	_ = cmd.MarkFlagRequired("adopter")
	_ = cmd.MarkFlagRequired("terms")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func agreementSignCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign an agreement as the acting profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitSignature(ctx, args[0], actorID(), payload)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "opaque signature payload")
	return cmd
}

func agreementVoidCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "void <id>",
		Short: "Void a non-finalized agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.VoidAgreement(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "void reason")
	return cmd
}

func agreementRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <id>",
		Short: "Render the archival document for a finalized agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RenderDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: conversations, messages, signatures, and cascades.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var listingID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, listingID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := newTable("ID", "TS", "TYPE", "ENTITY", "ACTOR")
				for _, evt := range events {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&listingID, "listing", "", "listing filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- key ---

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "API keys for service callers"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the acting profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rawKey := uuid.New().String() + uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ProfileID: actorID(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				// The raw key is shown once; only its hash is stored.
				return printJSON(map[string]any{
					"id":         k.ID,
					"profile_id": k.ProfileID,
					"name":       k.Name,
					"key":        rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the acting profile's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := newTable("ID", "NAME", "CREATED")
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				for _, k := range keys {
					if k.ID == args[0] {
						return e.Repo.DeleteAPIKey(ctx, k.ID)
					}
				}
				return repo.ErrNotFound
			})
		},
	}
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pawline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			authCfg := server.AuthConfig{
				JWTSecret:                os.Getenv("PAWLINE_JWT_SECRET"),
				AllowLegacyProfileHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("PAWLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: ac.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pawline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-header", false, "accept X-Profile-Id without auth (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac.Engine)
}

func newTable(cols ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(cols))
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
