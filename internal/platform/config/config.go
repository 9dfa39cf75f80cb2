package config

import (
	"os"
	"strconv"
	"time"

	id "incasso/pkg/domain"
)

// Config is the immutable runtime configuration. It is built once in main and
// passed into each component at construction; nothing mutates it afterwards.
type Config struct {
	Addr string
	Env  string

	JWTSigningKey string

	// Creditor identity stamped on every batch file.
	CreditorID   string
	CreditorName string
	CreditorIBAN string
	CreditorBIC  string

	DefaultCurrency id.Currency

	// Drop directory the bank's SFTP bridge collects batch files from.
	SubmitDir string

	// Composition limits. Overflow charges defer to the next cycle.
	MaxBatchSize   int
	MaxBatchAmount id.Cents

	// Business days between composition and requested execution.
	LeadTimeDays int

	// Retry policy: attempt N runs BaseRetryDelayDays*N days after failure N.
	MaxRetries         int
	BaseRetryDelayDays int

	// Audit entries are archived, never deleted, inside this window.
	AuditRetention time.Duration

	// Optional backing services; empty selects the in-memory path.
	PostgresDSN  string
	RedisURL     string
	KafkaBrokers string
	AuditTopic   string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:               getenv("INCASSO_ADDR", ":8080"),
		Env:                getenv("INCASSO_ENV", "dev"),
		JWTSigningKey:      getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		CreditorID:         getenv("SEPA_CREDITOR_ID", "NL43ZZZ3020884160000"),
		CreditorName:       getenv("SEPA_CREDITOR_NAME", "Vereniging"),
		CreditorIBAN:       getenv("SEPA_CREDITOR_IBAN", "NL91ABNA0417164300"),
		CreditorBIC:        getenv("SEPA_CREDITOR_BIC", "ABNANL2A"),
		DefaultCurrency:    id.Currency(getenv("SEPA_CURRENCY", "EUR")),
		SubmitDir:          getenv("SEPA_SUBMIT_DIR", "./outgoing"),
		MaxBatchSize:       getint("SEPA_MAX_BATCH_SIZE", 500),
		MaxBatchAmount:     id.Cents(getint("SEPA_MAX_BATCH_AMOUNT_CENTS", 10_000_000)),
		LeadTimeDays:       getint("SEPA_LEAD_TIME_DAYS", 2),
		MaxRetries:         getint("SEPA_MAX_RETRIES", 3),
		BaseRetryDelayDays: getint("SEPA_RETRY_BASE_DELAY_DAYS", 3),
		// The EPC rulebook requires 14 months minimum; Dutch practice is 7 years.
		AuditRetention: getduration("AUDIT_RETENTION", 7*365*24*time.Hour),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		AuditTopic:     getenv("AUDIT_TOPIC", "incasso.audit.compliance"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
