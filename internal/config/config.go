// Package config is the typed configuration of the covid19 pipeline.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/configutil"
	"covid19-pipeline/internal/load"
	"covid19-pipeline/internal/storage"
)

// Dataset is one extract + load pair.
type Dataset struct {
	// Output is the local CSV path the extractor overwrites on every run.
	Output string `json:"output"`
	// Table is the warehouse table the loader writes to.
	Table string `json:"table"`
}

type Datasets struct {
	CaseAll    Dataset `json:"caseall"`
	LineList   Dataset `json:"line_list"`
	ByProvince Dataset `json:"by_province"`
}

type Loader struct {
	// Command is split with shell quoting rules and must contain {table} and {source}.
	Command string `json:"command"`
	// SourcePrefix is the bucket location the loader reads the CSV files from.
	SourcePrefix string `json:"source_prefix"`
}

type Storage struct {
	Enabled         bool   `json:"enabled"`
	EndpointUrl     string `json:"endpoint_url"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	AccessKeyId     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

func (s Storage) S3Options() storage.S3Options {
	return storage.S3Options{
		EndpointUrl:     s.EndpointUrl,
		Region:          s.Region,
		Bucket:          s.Bucket,
		Prefix:          s.Prefix,
		AccessKeyId:     s.AccessKeyId,
		SecretAccessKey: s.SecretAccessKey,
	}
}

type Config struct {
	BaseUrl        string   `json:"base_url"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Sentinel       string   `json:"sentinel"`
	Datasets       Datasets `json:"datasets"`
	Loader         Loader   `json:"loader"`
	Storage        Storage  `json:"storage"`

	Schedule string   `json:"schedule"`
	Timezone string   `json:"timezone"`
	Tags     []string `json:"tags"`
	// MaxParallel bounds concurrently running tasks, 0 means unbounded.
	MaxParallel int `json:"max_parallel"`

	HistoryDb string `json:"history_db"`
	// DumpDir receives every http exchange with the case API when set. Exchanges left by a
	// previous process are removed on startup.
	DumpDir string `json:"dump_dir"`
}

const (
	dataDir    = "/home/airflow/gcs/data"
	dataBucket = "gs://asia-southeast1-airflowcovi-b358f964-bucket/data"
)

// Default returns the configuration of the production deployment.
func Default() Config {
	return Config{
		BaseUrl:        "https://covid19.ddc.moph.go.th/api/Cases/",
		TimeoutSeconds: 60,
		Sentinel:       "ไม่ระบุ",
		Datasets: Datasets{
			CaseAll: Dataset{
				Output: dataDir + "/caseall_cleaned.csv",
				Table:  "report.covid19_caseall",
			},
			LineList: Dataset{
				Output: dataDir + "/line_list_cleaned.csv",
				Table:  "report.covid19_linelist",
			},
			ByProvince: Dataset{
				Output: dataDir + "/by_province_cleaned.csv",
				Table:  "report.covid19_by_province",
			},
		},
		Loader: Loader{
			Command:      load.DefaultCommand,
			SourcePrefix: dataBucket,
		},
		Schedule:  "0 9 * * *",
		Timezone:  "Asia/Bangkok",
		Tags:      []string{"firstdeproject"},
		HistoryDb: ".state/history.db",
	}
}

// Load reads `path` (and its .local override) on top of Default, a missing file
// leaves the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	err := configutil.ReadConfigInto(path, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no config file found, using defaults", "path", path)
	} else if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c Config) Validate() error {
	var errs []error
	required := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	required("base_url", c.BaseUrl)
	required("sentinel", c.Sentinel)
	required("loader.command", c.Loader.Command)
	required("datasets.caseall.output", c.Datasets.CaseAll.Output)
	required("datasets.caseall.table", c.Datasets.CaseAll.Table)
	required("datasets.line_list.output", c.Datasets.LineList.Output)
	required("datasets.line_list.table", c.Datasets.LineList.Table)
	required("datasets.by_province.output", c.Datasets.ByProvince.Output)
	required("datasets.by_province.table", c.Datasets.ByProvince.Table)
	required("history_db", c.HistoryDb)

	if c.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("timeout_seconds must not be negative"))
	}
	if c.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max_parallel must not be negative"))
	}
	if c.Loader.Command != "" {
		_, err := load.ParseCommand(c.Loader.Command)
		if err != nil {
			errs = append(errs, fmt.Errorf("loader.command: %w", err))
		}
	}
	if err := chrono.ValidateSpec(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Storage.Enabled {
		required("storage.bucket", c.Storage.Bucket)
		if c.Storage.Bucket != "" {
			err := c.checkSourcePrefix()
			if err != nil {
				errs = append(errs, fmt.Errorf("loader.source_prefix: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// checkSourcePrefix ensures the loader reads from the location the extractors publish to.
// The scheme is not compared, a gs:// loader can read objects uploaded through the S3
// interoperability endpoint.
func (c Config) checkSourcePrefix() error {
	published := c.Storage.Bucket
	if prefix := strings.Trim(c.Storage.Prefix, "/"); prefix != "" {
		published += "/" + prefix
	}

	u, err := url.Parse(c.Loader.SourcePrefix)
	if err != nil {
		return err
	}
	source := u.Host
	if p := strings.Trim(u.Path, "/"); p != "" {
		source += "/" + p
	}
	if u.Scheme == "" || source != published {
		return fmt.Errorf("%q does not point at storage location %q", c.Loader.SourcePrefix, published)
	}
	return nil
}
