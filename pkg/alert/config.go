package alert

// Config holds alert delivery settings. Postmark delivery is enabled only
// when a server token is set; otherwise incidents are logged.
type Config struct {
	PostmarkServerToken  string   `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string   `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string   `env:"ALERT_SENDER_EMAIL"`
	Recipients           []string `env:"ALERT_RECIPIENTS" envSeparator:","`
	Tag                  string   `env:"ALERT_TAG" envDefault:"billing-incident"`
}

// Enabled reports whether e-mail delivery is configured.
func (c Config) Enabled() bool {
	return c.PostmarkServerToken != ""
}
