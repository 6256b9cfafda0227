package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Remote panel
	PanelURL      string
	PanelUsername string
	PanelPassword string
	APITimeout    time.Duration

	// Monitoring
	MonitoringInterval time.Duration
	WarningThreshold   float64
	RotationSecret     string
	InterPanelDelay    time.Duration
	InterUserDelay     time.Duration

	// Notifications
	TelegramBotToken string
	OperatorChatIDs  []int64

	// Report archival (FTP)
	ReportFTPHost       string
	ReportFTPPort       int
	ReportFTPUser       string
	ReportFTPPassword   string
	ReportFTPPath       string
	ReportRetentionDays int
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a hostname-based value if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	// Rotation secret is the credential a panel is left with while deactivated.
	// It must stay stable across restarts so repeated deactivations are idempotent.
	rotationSecret := getEnv("ROTATION_SECRET", "")
	if rotationSecret == "" {
		log.Println("WARNING: ROTATION_SECRET not set - using built-in default!")
		rotationSecret = "ce8fb29b0e"
	}

	warningThreshold := getEnvFloat("WARNING_THRESHOLD", 0.8)
	if warningThreshold <= 0 || warningThreshold > 1 {
		log.Printf("WARNING: WARNING_THRESHOLD %v out of range (0,1] - using 0.8", warningThreshold)
		warningThreshold = 0.8
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "marzguard"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "marzguard"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Remote panel
		PanelURL:      strings.TrimRight(getEnv("PANEL_URL", "https://localhost:8000"), "/"),
		PanelUsername: getEnv("PANEL_USERNAME", "admin"),
		PanelPassword: getEnv("PANEL_PASSWORD", ""),
		APITimeout:    time.Duration(getEnvInt("API_TIMEOUT", 30)) * time.Second,

		// Monitoring
		MonitoringInterval: time.Duration(getEnvInt("MONITORING_INTERVAL", 600)) * time.Second,
		WarningThreshold:   warningThreshold,
		RotationSecret:     rotationSecret,
		InterPanelDelay:    time.Duration(getEnvInt("INTER_PANEL_DELAY_MS", 1000)) * time.Millisecond,
		InterUserDelay:     time.Duration(getEnvInt("INTER_USER_DELAY_MS", 100)) * time.Millisecond,

		// Notifications
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		OperatorChatIDs:  getEnvInt64List("OPERATOR_CHAT_IDS"),

		// Report archival
		ReportFTPHost:       getEnv("REPORT_FTP_HOST", ""),
		ReportFTPPort:       getEnvInt("REPORT_FTP_PORT", 21),
		ReportFTPUser:       getEnv("REPORT_FTP_USER", ""),
		ReportFTPPassword:   getEnv("REPORT_FTP_PASSWORD", ""),
		ReportFTPPath:       getEnv("REPORT_FTP_PATH", "/marzguard-reports"),
		ReportRetentionDays: getEnvInt("REPORT_RETENTION_DAYS", 30),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvInt64List(key string) []int64 {
	var out []int64
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
