package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// loadJob reads a job definition. The format follows the file extension, so
// yaml and json job files are both accepted. Keys use the snake_case names of
// the config file and are case-insensitive, so field names come back lowercased.
func loadJob(path string) (scrape.Job, error) {
	if path == "" {
		return scrape.Job{}, errors.New("--job is required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return scrape.Job{}, fmt.Errorf("read job: %w", err)
	}
	var job scrape.Job
	if err := v.Unmarshal(&job); err != nil {
		return scrape.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if len(job.URLs) == 0 {
		return scrape.Job{}, errors.New("job has no urls")
	}
	if job.List.ListSelector == "" {
		return scrape.Job{}, errors.New("job list.list_selector is required")
	}
	return job, nil
}
