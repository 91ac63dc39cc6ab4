package config

import "os"

type Config struct {
	Port           string
	MpesaBaseURL   string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	// KafkaBroker empty disables session-event publishing.
	KafkaBroker string
}

func Load() Config {
	return Config{
		Port:           getEnv("PORT", "8080"),
		MpesaBaseURL:   getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		ShortCode:      os.Getenv("MPESA_SHORTCODE"),
		Passkey:        os.Getenv("MPESA_PASSKEY"),
		CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		KafkaBroker:    os.Getenv("KAFKA_BROKER"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
