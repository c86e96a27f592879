package torrent

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"

	"bitswarm/storage"
)

type Config struct {
	DownloadDir string
	// ListenPort accepts inbound peers when non-zero. It is also the port
	// announced to trackers.
	ListenPort     uint16
	MaxConnections int
	Storage        storage.Kind
	// ResumeFile defaults to "<name>.resume" in DownloadDir.
	ResumeFile string

	BlockSize        datasize.ByteSize
	MaxPipelineDepth int
	EndgameThreshold int

	DialTimeout       time.Duration
	DialRate          float64 // outgoing connection attempts per second
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	RequestTimeout    time.Duration
	RetryInterval     time.Duration

	// MaxViolations handshake mismatches or protocol violations blacklist a
	// peer; MaxDialFailures failed dials make us forget it.
	MaxViolations   int
	MaxDialFailures int

	UseTrackers        bool
	MaxTrackerFailures int
	NumWant            int

	// Seed keeps the session running after the download completes. Upload
	// serves verified pieces to interested peers.
	Seed   bool
	Upload bool

	ShowDownloadProgress bool
}

var DefaultConfig = Config{
	DownloadDir:          ".",
	ListenPort:           6881,
	MaxConnections:       50,
	Storage:              storage.File,
	BlockSize:            16 * datasize.KB,
	MaxPipelineDepth:     25,
	EndgameThreshold:     20,
	DialTimeout:          5 * time.Second,
	DialRate:             10,
	KeepAliveInterval:    2 * time.Minute,
	IdleTimeout:          3 * time.Minute,
	RequestTimeout:       time.Minute,
	RetryInterval:        30 * time.Second,
	MaxViolations:        3,
	MaxDialFailures:      3,
	UseTrackers:          true,
	MaxTrackerFailures:   5,
	NumWant:              50,
	Upload:               true,
	ShowDownloadProgress: true,
}

// NewConfig checks config and makes it the default for new clients.
func NewConfig(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	DefaultConfig = config
	return nil
}

func (c Config) validate() error {
	switch {
	case c.MaxConnections <= 0:
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	case c.BlockSize == 0 || c.BlockSize > 128*datasize.KB:
		return fmt.Errorf("block size must be between 1B and 128KB, got %s", c.BlockSize.HumanReadable())
	case c.MaxPipelineDepth <= 0:
		return fmt.Errorf("pipeline depth must be positive, got %d", c.MaxPipelineDepth)
	case c.EndgameThreshold < 0:
		return fmt.Errorf("negative endgame threshold %d", c.EndgameThreshold)
	case c.DialRate <= 0:
		return fmt.Errorf("dial rate must be positive, got %v", c.DialRate)
	case c.DialTimeout <= 0 || c.KeepAliveInterval <= 0 || c.IdleTimeout <= 0 || c.RequestTimeout <= 0 || c.RetryInterval <= 0:
		return fmt.Errorf("timeouts and intervals must be positive")
	case c.IdleTimeout <= c.KeepAliveInterval:
		return fmt.Errorf("idle timeout %v must exceed the keep alive interval %v", c.IdleTimeout, c.KeepAliveInterval)
	case c.MaxViolations <= 0 || c.MaxDialFailures <= 0:
		return fmt.Errorf("violation and dial failure limits must be positive")
	}
	if _, err := storage.ParseKind(string(c.Storage)); err != nil {
		return err
	}
	return nil
}
