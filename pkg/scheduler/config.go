package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the hot-swappable snapshot that drives flushing and retries.
type Config struct {
	// MaxBatchSize is the queue depth that triggers an immediate flush and
	// the largest chunk handed to the executor.
	MaxBatchSize int `mapstructure:"max_batch_size" validate:"min=1"`

	// BatchWindow is the debounce delay before a flush.
	BatchWindow time.Duration `mapstructure:"batch_window" validate:"min=0"`

	// MaxConcurrentBatches caps chunks executing at the same time.
	MaxConcurrentBatches int `mapstructure:"max_concurrent_batches" validate:"min=1"`

	// RetryAttempts is the number of retries after the first dispatch.
	RetryAttempts int `mapstructure:"retry_attempts" validate:"min=0"`

	// RetryDelay is the backoff base, and the deferral after a rate limit block.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"min=0"`

	// MaxRetryDelay caps the exponential backoff. Zero means uncapped.
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" validate:"min=0"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         10,
		BatchWindow:          50 * time.Millisecond,
		MaxConcurrentBatches: 3,
		RetryAttempts:        3,
		RetryDelay:           1 * time.Second,
		MaxRetryDelay:        5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid scheduler config: %s must be %s %s", verrs[0].Field(), verrs[0].Tag(), verrs[0].Param())
		}
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	return nil
}

// ConfigPatch changes part of a Config. Nil fields keep their value.
type ConfigPatch struct {
	MaxBatchSize         *int           `mapstructure:"max_batch_size" json:"max_batch_size,omitempty"`
	BatchWindow          *time.Duration `mapstructure:"batch_window" json:"batch_window,omitempty"`
	MaxConcurrentBatches *int           `mapstructure:"max_concurrent_batches" json:"max_concurrent_batches,omitempty"`
	RetryAttempts        *int           `mapstructure:"retry_attempts" json:"retry_attempts,omitempty"`
	RetryDelay           *time.Duration `mapstructure:"retry_delay" json:"retry_delay,omitempty"`
	MaxRetryDelay        *time.Duration `mapstructure:"max_retry_delay" json:"max_retry_delay,omitempty"`
}

// PatchFrom returns a patch that sets every field to its value in c.
func PatchFrom(c Config) ConfigPatch {
	return ConfigPatch{
		MaxBatchSize:         &c.MaxBatchSize,
		BatchWindow:          &c.BatchWindow,
		MaxConcurrentBatches: &c.MaxConcurrentBatches,
		RetryAttempts:        &c.RetryAttempts,
		RetryDelay:           &c.RetryDelay,
		MaxRetryDelay:        &c.MaxRetryDelay,
	}
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.MaxBatchSize == nil && p.BatchWindow == nil && p.MaxConcurrentBatches == nil &&
		p.RetryAttempts == nil && p.RetryDelay == nil && p.MaxRetryDelay == nil
}

// Apply returns c with the patch applied. c is not modified.
func (p ConfigPatch) Apply(c Config) Config {
	if p.MaxBatchSize != nil {
		c.MaxBatchSize = *p.MaxBatchSize
	}
	if p.BatchWindow != nil {
		c.BatchWindow = *p.BatchWindow
	}
	if p.MaxConcurrentBatches != nil {
		c.MaxConcurrentBatches = *p.MaxConcurrentBatches
	}
	if p.RetryAttempts != nil {
		c.RetryAttempts = *p.RetryAttempts
	}
	if p.RetryDelay != nil {
		c.RetryDelay = *p.RetryDelay
	}
	if p.MaxRetryDelay != nil {
		c.MaxRetryDelay = *p.MaxRetryDelay
	}
	return c
}
