package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the single JSON document driving a sync run. It is loaded once
// and treated as immutable afterwards.
type Config struct {
	Cityworks Credentials `mapstructure:"cityworks" validate:"required"`
	ArcGIS    Portal      `mapstructure:"arcgis" validate:"required"`
	Fields    Fields      `mapstructure:"fields" validate:"required"`
	Flag      Flag        `mapstructure:"flag" validate:"required"`
	Log       Log         `mapstructure:"log"`
	HTTP      HTTP        `mapstructure:"http"`

	LogLevel       string `mapstructure:"log_level"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
}

// Credentials is an endpoint plus a login for it.
type Credentials struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
}

// Portal is the source ArcGIS organization plus the layer and related-table
// URLs to process.
type Portal struct {
	URL      string   `mapstructure:"url" validate:"required,url"`
	Username string   `mapstructure:"username" validate:"required"`
	Password string   `mapstructure:"password" validate:"required"`
	Layers   []string `mapstructure:"layers" validate:"required,min=1,dive,url"`
	Tables   []string `mapstructure:"tables" validate:"dive,url"`
}

// Fields holds the field-name translation tables. Layers and Tables are
// ordered [cityworksField, arcgisField] pairs; IDs is the
// [cityworksLinkField, arcgisLinkField] pair tying a source record to its
// service request; Type is the [cityworksTypeField, arcgisTypeField] pair
// used to resolve the problem type.
type Fields struct {
	Layers [][]string `mapstructure:"layers" validate:"required,min=1,dive,len=2"`
	Tables [][]string `mapstructure:"tables" validate:"dive,len=2"`
	IDs    []string   `mapstructure:"ids" validate:"required,len=2"`
	Type   []string   `mapstructure:"type" validate:"required,len=2"`
}

// Flag names the processed/unprocessed sentinel attribute and its two values.
type Flag struct {
	Field string `mapstructure:"field" validate:"required"`
	On    string `mapstructure:"on" validate:"required"`
	Off   string `mapstructure:"off" validate:"required"`
}

// Log selects the status-report sink: a file appended to across runs, or the
// console when no file is configured.
type Log struct {
	File string `mapstructure:"file"`
}

// HTTP enables serve mode when Addr is set.
type HTTP struct {
	Addr        string `mapstructure:"addr"`
	AdminKey    string `mapstructure:"admin_key"`
	CORSAllowed string `mapstructure:"cors_allowed"`
}

// Load reads and validates the config document at path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("timeout_seconds", 30)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_allowed", "*")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
