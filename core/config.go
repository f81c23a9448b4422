package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                 string
		Address              string
		DebugHost            string
		ReadTimeout          time.Duration
		WriteTimeout         time.Duration
		ShutdownTimeout      time.Duration
		TokenExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string // postgres | sqlite
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		Path          string // sqlite only
	}

	// BackendConfig describes how the availability console reaches the catalog backend.
	BackendConfig struct {
		BaseURL          string
		Token            string
		Timeout          time.Duration
		LoadRetryMax     int
		MutationRetryMax int
	}

	ConsoleConfig struct {
		PageSize        int
		MaxBulkSize     int
		BulkConcurrency int // 0: every request of a bulk action in flight at once
		ReportEmail     string
	}

	Config struct {
		Env             string
		Build           string
		Debug           bool
		TestMode        bool
		AppName         string
		SecretKey       string
		RollbarToken    string
		FrontendBaseURL string
		SendgridAPIKey  string
		Server          ServerConfig
		Database        DatabaseConfig
		Backend         BackendConfig
		Console         ConsoleConfig

		defaultFromEmail string
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) DefaultFromEmail() mail.Address {
	addr, err := mail.ParseAddress(c.defaultFromEmail)
	if err != nil {
		return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
	}
	if addr.Name == "" {
		addr.Name = c.AppName
	}
	return *addr
}

// NewConfig loads the configuration from the defaults, the optional `config/.env.<env>` file and the environment.
// Additional config files (eg. the CLI's) can be merged through v before calling Load.
func NewConfig() *Config {
	return LoadConfig(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Masomo")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("sendgridApiKey", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.readTimeout", 5*time.Second)
	v.SetDefault("server.writeTimeout", 5*time.Second)
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.tokenExpirationDelta", 7*24*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "masomo")
	v.SetDefault("database.user", "masomo")
	v.SetDefault("database.password", "masomo")
	v.SetDefault("database.adminUser", "")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.path", "masomo.db")

	v.SetDefault("backend.baseURL", "http://localhost:8000")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.loadRetryMax", 2)
	v.SetDefault("backend.mutationRetryMax", 0)

	v.SetDefault("console.pageSize", 25)
	v.SetDefault("console.maxBulkSize", 250)
	v.SetDefault("console.bulkConcurrency", 0)
	v.SetDefault("console.reportEmail", "")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.Set("env", env)
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
	return v
}

// NewViper returns the viper instance NewConfig reads from, so callers can merge extra config files.
func NewViper() *viper.Viper { return newViper() }

// LoadConfig reads a Config out of v.
func LoadConfig(v *viper.Viper) *Config {
	conf := &Config{
		Env:              v.GetString("env"),
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		SendgridAPIKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                 v.GetString("server.host"),
			Address:              v.GetString("server.address"),
			DebugHost:            v.GetString("server.debugHost"),
			ReadTimeout:          v.GetDuration("server.readTimeout"),
			WriteTimeout:         v.GetDuration("server.writeTimeout"),
			ShutdownTimeout:      v.GetDuration("server.shutdownTimeout"),
			TokenExpirationDelta: v.GetDuration("server.tokenExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        strings.ToLower(v.GetString("database.engine")),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			Path:          v.GetString("database.path"),
		},
		Backend: BackendConfig{
			BaseURL:          strings.TrimRight(v.GetString("backend.baseURL"), "/"),
			Token:            v.GetString("backend.token"),
			Timeout:          v.GetDuration("backend.timeout"),
			LoadRetryMax:     v.GetInt("backend.loadRetryMax"),
			MutationRetryMax: v.GetInt("backend.mutationRetryMax"),
		},
		Console: ConsoleConfig{
			PageSize:        v.GetInt("console.pageSize"),
			MaxBulkSize:     v.GetInt("console.maxBulkSize"),
			BulkConcurrency: v.GetInt("console.bulkConcurrency"),
			ReportEmail:     v.GetString("console.reportEmail"),
		},
	}
	return conf
}

// NewTestConfig returns a Config suited for tests: no remote logging, sqlite in memory.
func NewTestConfig() *Config {
	conf := LoadConfig(newViper())
	conf.Env = "TEST"
	conf.TestMode = true
	conf.Debug = false
	conf.SecretKey = "secret"
	conf.Database.Engine = "sqlite"
	conf.Database.Path = ":memory:"
	return conf
}

func (c *Config) String() string {
	return fmt.Sprintf("%s@%s (%s)", c.AppName, c.Build, c.Env)
}
