package core

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Realtime drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
)

type (
	Config struct {
		AppName      string
		Env          string // DEV (local; default), TEST, QA, PROD
		Build        string
		Debug        bool
		TestMode     bool
		SecretKey    string
		RollbarToken string

		Server   ServerConfig
		Database DatabaseConfig
		Realtime RealtimeConfig
	}

	ServerConfig struct {
		Host                string
		Address             string
		DebugHost           string
		ShutdownTimeout     time.Duration
		JWTIssuer           string
		JWTExpirationDelta  time.Duration
		AllowedOrigins      []string
		DisableRequestLogs  bool
		WebsocketBufferSize int
	}

	DatabaseConfig struct {
		Engine        string // postgres, memory
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RealtimeConfig struct {
		Driver               string
		NATSURL              string
		GatewayURL           string
		DeliveryBuffer       int
		TypingQuietInterval  time.Duration
		TypingHeartbeat      time.Duration
		TypingExpiry         time.Duration
		ReconnectMaxElapsed  time.Duration
		ListenerMinReconnect time.Duration
		ListenerMaxReconnect time.Duration
	}
)

func (dbc DatabaseConfig) Address() string {
	return net.JoinHostPort(dbc.Host, dbc.Port)
}

// NewConfig loads the configuration from the environment.
// `ENV` selects the env prefix and the optional `.env.<env>` file, eg. `DEV_DATABASE_HOST`.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("appName", "UniHub")
	v.SetDefault("build", "develop")
	v.SetDefault("secretKey", "k2#w9z!unihub-dev-only-9t$pe+3fq(4m)hv8x&l1c")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtIssuer", "")
	v.SetDefault("server.jwtExpirationDelta", 24*time.Hour)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.disableRequestLogs", false)
	v.SetDefault("server.websocketBufferSize", 1024)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "unihub")
	v.SetDefault("database.user", "unihub")
	v.SetDefault("database.password", "unihub")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("realtime.driver", DriverMemory)
	v.SetDefault("realtime.natsURL", "nats://127.0.0.1:4222")
	v.SetDefault("realtime.gatewayURL", "ws://localhost:8000/v1/realtime")
	v.SetDefault("realtime.deliveryBuffer", 256)
	v.SetDefault("realtime.typingQuietInterval", 2*time.Second)
	v.SetDefault("realtime.typingHeartbeat", 3*time.Second)
	v.SetDefault("realtime.typingExpiry", 6*time.Second)
	v.SetDefault("realtime.reconnectMaxElapsed", time.Duration(0)) // forever
	v.SetDefault("realtime.listenerMinReconnect", 10*time.Second)
	v.SetDefault("realtime.listenerMaxReconnect", time.Minute)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		AppName:      v.GetString("appName"),
		Env:          env,
		Build:        v.GetString("build"),
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		SecretKey:    v.GetString("secretKey"),
		RollbarToken: v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:                v.GetString("server.host"),
			Address:             v.GetString("server.address"),
			DebugHost:           v.GetString("server.debugHost"),
			ShutdownTimeout:     v.GetDuration("server.shutdownTimeout"),
			JWTIssuer:           v.GetString("server.jwtIssuer"),
			JWTExpirationDelta:  v.GetDuration("server.jwtExpirationDelta"),
			AllowedOrigins:      v.GetStringSlice("server.allowedOrigins"),
			DisableRequestLogs:  v.GetBool("server.disableRequestLogs"),
			WebsocketBufferSize: v.GetInt("server.websocketBufferSize"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Realtime: RealtimeConfig{
			Driver:               strings.ToLower(v.GetString("realtime.driver")),
			NATSURL:              v.GetString("realtime.natsURL"),
			GatewayURL:           v.GetString("realtime.gatewayURL"),
			DeliveryBuffer:       v.GetInt("realtime.deliveryBuffer"),
			TypingQuietInterval:  v.GetDuration("realtime.typingQuietInterval"),
			TypingHeartbeat:      v.GetDuration("realtime.typingHeartbeat"),
			TypingExpiry:         v.GetDuration("realtime.typingExpiry"),
			ReconnectMaxElapsed:  v.GetDuration("realtime.reconnectMaxElapsed"),
			ListenerMinReconnect: v.GetDuration("realtime.listenerMinReconnect"),
			ListenerMaxReconnect: v.GetDuration("realtime.listenerMaxReconnect"),
		},
	}
}
