package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/medchain-labs/healthmesh/internal/consent"
	"github.com/medchain-labs/healthmesh/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	meshURL string
	apiKey  string
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "HealthMesh CLI",
	Long: `meshctl is the command-line interface for a HealthMesh node.

It manages identities, consents, anchored records, marketplace listings,
and escrow deals, and inspects the mesh's audit trails.

Most commands require an API key. Register an identity first:

  meshctl register did:health:alice --role patient

and export the printed key:

  export MESHCTL_API_KEY=<key_id.secret>`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.meshctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("meshctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if meshURL == "" {
			meshURL = viper.GetString("mesh_url")
		}
		if meshURL == "" {
			meshURL = "http://localhost:8080"
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.meshctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&meshURL, "mesh", "", "mesh base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (key_id.secret); also MESHCTL_API_KEY")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(consentCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(listingCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(dealCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(reputationCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	return client.New(meshURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── register ─────────────────────────────────────────────────────────────────

var registerRole string

var registerCmd = &cobra.Command{
	Use:   "register <did>",
	Short: "Register a DID on the consent ledger and obtain an API key",
	Long: `Register creates an identity on the consent ledger.

The API key printed on success authenticates every later call for this DID.
It is shown exactly once; store it safely.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		did := args[0]
		role := consent.Role(registerRole)
		proof := consent.RegistrationProof(did, role)

		result, err := newClient().RegisterIdentity(context.Background(), did, registerRole, proof)
		if err != nil {
			return fmt.Errorf("register identity: %w", err)
		}

		fmt.Printf("✓ Identity registered\n\n")
		fmt.Printf("  DID:  %s\n", result.Identity.DID)
		fmt.Printf("  Role: %s\n\n", result.Identity.Role)
		fmt.Printf("API key (shown once — store it now):\n\n  %s\n\n", result.APIKey)
		fmt.Println("Next: export MESHCTL_API_KEY=<key> and run meshctl consent create / record anchor")
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerRole, "role", "", "Identity role: patient, researcher, institution, or auditor")
	_ = registerCmd.MarkFlagRequired("role")
}

// ── consent ──────────────────────────────────────────────────────────────────

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Manage consents on the consent ledger",
}

var (
	consentConsumer  string
	consentPurpose   string
	consentDataTypes []string
	consentTTL       time.Duration
	consentTermsHash string
)

var consentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Grant a consumer time-bounded access to your data",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient().CreateConsent(context.Background(), client.CreateConsentRequest{
			ConsumerDID: consentConsumer,
			Purpose:     consentPurpose,
			DataTypes:   consentDataTypes,
			TTLSeconds:  int64(consentTTL.Seconds()),
			TermsHash:   consentTermsHash,
		})
		if err != nil {
			return fmt.Errorf("create consent: %w", err)
		}

		fmt.Printf("✓ Consent granted\n\n")
		fmt.Printf("  ID:       %s\n", c.ConsentID)
		fmt.Printf("  Consumer: %s\n", c.ConsumerDID)
		fmt.Printf("  Expires:  %s\n", c.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var consentGetCmd = &cobra.Command{
	Use:   "get <consent-id>",
	Short: "Show a consent you are a party to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient().GetConsent(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get consent: %w", err)
		}
		return printJSON(c)
	},
}

var consentStatusCmd = &cobra.Command{
	Use:   "status <consent-id>",
	Short: "Show a consent's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().ConsentStatus(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("consent status: %w", err)
		}
		fmt.Println(status)
		return nil
	},
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke <consent-id>",
	Short: "Revoke a consent you granted",
	Long: `Revoke permanently withdraws a consent.

Every live access grant under the consent is voided and every open escrow
deal depending on it is refunded before this returns. Revocation cannot be
undone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RevokeConsent(context.Background(), args[0]); err != nil {
			return fmt.Errorf("revoke consent: %w", err)
		}
		fmt.Printf("✓ Consent revoked: %s\n", args[0])
		return nil
	},
}

func init() {
	consentCreateCmd.Flags().StringVar(&consentConsumer, "consumer", "", "Consumer DID the consent is granted to")
	consentCreateCmd.Flags().StringVar(&consentPurpose, "purpose", "", "Purpose of the data access")
	consentCreateCmd.Flags().StringSliceVar(&consentDataTypes, "data-types", nil, "Covered data types (e.g. lab_results,imaging)")
	consentCreateCmd.Flags().DurationVar(&consentTTL, "ttl", 24*time.Hour, "Consent validity window")
	consentCreateCmd.Flags().StringVar(&consentTermsHash, "terms-hash", "", "Hash of the off-ledger terms document")
	_ = consentCreateCmd.MarkFlagRequired("consumer")
	_ = consentCreateCmd.MarkFlagRequired("purpose")
	_ = consentCreateCmd.MarkFlagRequired("data-types")

	consentCmd.AddCommand(consentCreateCmd)
	consentCmd.AddCommand(consentGetCmd)
	consentCmd.AddCommand(consentStatusCmd)
	consentCmd.AddCommand(consentRevokeCmd)
}

// ── record ───────────────────────────────────────────────────────────────────

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage anchored records on the record ledger",
}

var (
	anchorDataType string
	anchorKeyRef   string
)

var recordAnchorCmd = &cobra.Command{
	Use:   "anchor <pointer>",
	Short: "Anchor an off-ledger data pointer you own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newClient().AnchorRecord(context.Background(), args[0], anchorDataType, anchorKeyRef)
		if err != nil {
			return fmt.Errorf("anchor record: %w", err)
		}

		fmt.Printf("✓ Record anchored\n\n")
		fmt.Printf("  Pointer:   %s\n", r.Pointer)
		fmt.Printf("  Data type: %s\n", r.DataType)
		fmt.Printf("  Key ref:   %s\n", r.KeyRef)
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <pointer>",
	Short: "Show an anchored record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newClient().GetRecord(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return printJSON(r)
	},
}

var rotateKeyRef string

var recordRotateCmd = &cobra.Command{
	Use:   "rotate-key <pointer>",
	Short: "Replace the key reference on a record you own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newClient().RotateKey(context.Background(), args[0], rotateKeyRef)
		if err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}
		fmt.Printf("✓ Key rotated on %s → %s\n", r.Pointer, r.KeyRef)
		return nil
	},
}

func init() {
	recordAnchorCmd.Flags().StringVar(&anchorDataType, "data-type", "", "Data type of the record (e.g. lab_results)")
	recordAnchorCmd.Flags().StringVar(&anchorKeyRef, "key-ref", "", "Reference to the envelope key protecting the data")
	_ = recordAnchorCmd.MarkFlagRequired("data-type")
	_ = recordAnchorCmd.MarkFlagRequired("key-ref")

	recordRotateCmd.Flags().StringVar(&rotateKeyRef, "key-ref", "", "New key reference")
	_ = recordRotateCmd.MarkFlagRequired("key-ref")

	recordCmd.AddCommand(recordAnchorCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordRotateCmd)
}

// ── access ───────────────────────────────────────────────────────────────────

var accessCmd = &cobra.Command{
	Use:   "access <pointer>",
	Short: "Check whether you currently hold a live grant for a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := newClient().CheckAccess(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("check access: %w", err)
		}
		if ok {
			fmt.Println("✓ access granted")
		} else {
			fmt.Println("✗ no access")
		}
		return nil
	},
}

// ── grant ────────────────────────────────────────────────────────────────────

var grantCmd = &cobra.Command{
	Use:   "grant <grant-id>",
	Short: "Redeem an access grant for the record pointer and key reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pointer, keyRef, err := newClient().GrantKey(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("redeem grant: %w", err)
		}
		fmt.Printf("Pointer: %s\n", pointer)
		fmt.Printf("Key ref: %s\n", keyRef)
		return nil
	},
}

// ── balance ──────────────────────────────────────────────────────────────────

var creditAmount int64

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show your marketplace balance in minor units",
	RunE: func(cmd *cobra.Command, args []string) error {
		bal, err := newClient().Balance(context.Background())
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		fmt.Println(bal)
		return nil
	},
}

var balanceCreditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Top up your marketplace balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		bal, err := newClient().Credit(context.Background(), creditAmount)
		if err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		fmt.Printf("✓ Balance: %d\n", bal)
		return nil
	},
}

func init() {
	balanceCreditCmd.Flags().Int64Var(&creditAmount, "amount", 0, "Amount to credit, in minor units")
	_ = balanceCreditCmd.MarkFlagRequired("amount")
	balanceCmd.AddCommand(balanceCreditCmd)
}

// ── listing ──────────────────────────────────────────────────────────────────

var listingCmd = &cobra.Command{
	Use:   "listing",
	Short: "Manage marketplace listings",
}

var (
	listingPointer  string
	listingConsent  string
	listingTitle    string
	listingCategory string
	listingPrice    int64
	listingsStatus  string
)

var listingCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Publish a record for sale",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := newClient().CreateListing(context.Background(), client.CreateListingRequest{
			RecordPointer: listingPointer,
			ConsentID:     listingConsent,
			Title:         listingTitle,
			Category:      listingCategory,
			PriceMinor:    listingPrice,
		})
		if err != nil {
			return fmt.Errorf("create listing: %w", err)
		}

		fmt.Printf("✓ Listing published\n\n")
		fmt.Printf("  ID:    %s\n", l.ListingID)
		fmt.Printf("  Title: %s\n", l.Title)
		fmt.Printf("  Price: %d\n", l.PriceMinor)
		return nil
	},
}

var listingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List marketplace listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		listings, err := newClient().ListListings(context.Background(), listingsStatus)
		if err != nil {
			return fmt.Errorf("list listings: %w", err)
		}
		if len(listings) == 0 {
			fmt.Println("no listings")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tCATEGORY\tPRICE\tSELLER\tSTATUS")
		for _, l := range listings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				l.ListingID, l.Title, l.Category, l.PriceMinor, l.SellerDID, l.Status)
		}
		return w.Flush()
	},
}

func init() {
	listingCreateCmd.Flags().StringVar(&listingPointer, "pointer", "", "Anchored record pointer to sell")
	listingCreateCmd.Flags().StringVar(&listingConsent, "consent", "", "Consent ID covering the buyer's access")
	listingCreateCmd.Flags().StringVar(&listingTitle, "title", "", "Listing title")
	listingCreateCmd.Flags().StringVar(&listingCategory, "category", "", "Listing category (e.g. lab_results)")
	listingCreateCmd.Flags().Int64Var(&listingPrice, "price", 0, "Price in minor units")
	_ = listingCreateCmd.MarkFlagRequired("pointer")
	_ = listingCreateCmd.MarkFlagRequired("consent")
	_ = listingCreateCmd.MarkFlagRequired("title")
	_ = listingCreateCmd.MarkFlagRequired("price")

	listingListCmd.Flags().StringVar(&listingsStatus, "status", "", "Filter by status: active, paused, or delisted")

	listingCmd.AddCommand(listingCreateCmd)
	listingCmd.AddCommand(listingListCmd)
}

// ── purchase ─────────────────────────────────────────────────────────────────

var purchaseCmd = &cobra.Command{
	Use:   "purchase <listing-id>",
	Short: "Buy a listing through escrow",
	Long: `Purchase escrows the listing price and runs the full verification
pipeline: the consent ledger confirms the consent is live, the record
ledger checks the attestation and issues the access grant. The returned
deal state reflects the outcome; a failed verification refunds the escrow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().Purchase(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("purchase: %w", err)
		}

		fmt.Printf("Deal %s: %s\n", d.DealID, d.State)
		if d.GrantID != "" {
			fmt.Printf("Grant: %s\n", d.GrantID)
			fmt.Printf("\nNext: meshctl access %s, then meshctl deal confirm %s\n", d.RecordPointer, d.DealID)
		}
		if d.FailReason != "" {
			fmt.Printf("Refunded: %s\n", d.FailReason)
		}
		return nil
	},
}

// ── deal ─────────────────────────────────────────────────────────────────────

var dealCmd = &cobra.Command{
	Use:   "deal",
	Short: "Manage escrow deals",
}

var dealGetCmd = &cobra.Command{
	Use:   "get <deal-id>",
	Short: "Show a deal you are a party to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().GetDeal(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get deal: %w", err)
		}
		return printJSON(d)
	},
}

var dealConfirmCmd = &cobra.Command{
	Use:   "confirm <deal-id>",
	Short: "Confirm delivery and release the escrow to the seller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().ConfirmDelivery(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("confirm delivery: %w", err)
		}
		fmt.Printf("✓ Deal settled: %s\n", d.DealID)
		return nil
	},
}

var dealAbortCmd = &cobra.Command{
	Use:   "abort <deal-id>",
	Short: "Abort an open deal you bought and reclaim the escrow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().AbortDeal(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("abort deal: %w", err)
		}
		fmt.Printf("✓ Deal refunded: %s\n", d.DealID)
		return nil
	},
}

func init() {
	dealCmd.AddCommand(dealGetCmd)
	dealCmd.AddCommand(dealConfirmCmd)
	dealCmd.AddCommand(dealAbortCmd)
}

// ── review ───────────────────────────────────────────────────────────────────

var (
	reviewRating  int
	reviewComment string
)

var reviewCmd = &cobra.Command{
	Use:   "review <deal-id>",
	Short: "Rate the seller of a settled deal you bought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().SubmitReview(context.Background(), args[0], reviewRating, reviewComment); err != nil {
			return fmt.Errorf("submit review: %w", err)
		}
		fmt.Println("✓ Review submitted")
		return nil
	},
}

func init() {
	reviewCmd.Flags().IntVar(&reviewRating, "rating", 0, "Rating from 1 to 5")
	reviewCmd.Flags().StringVar(&reviewComment, "comment", "", "Optional comment")
	_ = reviewCmd.MarkFlagRequired("rating")
}

// ── reputation ───────────────────────────────────────────────────────────────

var reputationCmd = &cobra.Command{
	Use:   "reputation <seller-did>",
	Short: "Show a seller's review summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := newClient().GetSellerReputation(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("reputation: %w", err)
		}
		fmt.Printf("Seller:  %s\n", rep.Summary.SellerDID)
		fmt.Printf("Reviews: %d\n", rep.Summary.ReviewCount)
		fmt.Printf("Average: %.2f\n", rep.Summary.Average)
		return nil
	},
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit <consent|record|market>",
	Short: "Show an audit trail's length and root hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overview, err := newClient().AuditTrail(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("audit trail: %w", err)
		}
		fmt.Printf("Entries: %d\n", overview.Entries)
		fmt.Printf("Root:    %s\n", overview.Root)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <consent|record|market>",
	Short: "Walk an audit trail's hash chain and verify its integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := newClient().VerifyAuditTrail(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("verify audit trail: %w", err)
		}
		if !ok {
			return fmt.Errorf("audit trail %q FAILED verification", args[0])
		}
		fmt.Printf("✓ Audit trail %q verified\n", args[0])
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meshctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meshctl %s (HealthMesh)\n", version)
	},
}
