package ipmi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oblq/gpufan/internal/exec"
	"github.com/oblq/gpufan/internal/log"
)

// raw fan subsystem frames, netfn 0x30 cmd 0x30.
var (
	rawManualControl = []byte{0x30, 0x30, 0x01, 0x00}
	rawAutoControl   = []byte{0x30, 0x30, 0x01, 0x01}
	rawSetSpeed      = []byte{0x30, 0x30, 0x02, 0xff} // + speed byte, 0xff: all fans
)

const maxSpeed = 100

var command = exec.Command

type Config struct {
	// Tool is the ipmitool executable.
	Tool string `yaml:"tool"`

	// Interface is the ipmitool transport, `-I` argument.
	Interface string `yaml:"interface"`

	// Host is the BMC address. When empty ipmitool
	// talks to the local BMC and no transport or credentials are passed.
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout bounds a single ipmitool invocation, in seconds.
	Timeout int `yaml:"timeout"`

	// RestoreAutoOnExit gives fan control back to the firmware on shut down.
	RestoreAutoOnExit bool `yaml:"restore_auto_on_exit"`
}

// IPMI is an ipmitool interface to handle the chassis fans speed.
type IPMI struct {
	config Config

	// last successfully applied speed, valid only if known
	lastSpeed uint8
	known     bool
}

// New return a new IPMI instance.
func New(config Config) *IPMI {
	if config.Tool == "" {
		config.Tool = "ipmitool"
	}
	if config.Interface == "" {
		config.Interface = "lanplus"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10
	}
	return &IPMI{config: config}
}

func (ipmi *IPMI) Name() string {
	return "ipmi"
}

// EnableManualControl takes the fans away from the firmware automatic control.
func (ipmi *IPMI) EnableManualControl(ctx context.Context) error {
	if err := ipmi.raw(ctx, rawManualControl...); err != nil {
		return fmt.Errorf("error enabling manual fan control: %w", err)
	}
	return nil
}

// RestoreAutoControl gives the fans back to the firmware and forgets the applied speed.
func (ipmi *IPMI) RestoreAutoControl(ctx context.Context) error {
	if err := ipmi.raw(ctx, rawAutoControl...); err != nil {
		return fmt.Errorf("error restoring automatic fan control: %w", err)
	}
	ipmi.known = false
	return nil
}

// SetFanSpeed set the speed percentage of all the fans.
// Nothing is sent if speed is the last successfully applied value, in that case
// applied is false. A failed write leaves the tracked value untouched, so the same
// speed is attempted again on the next call.
func (ipmi *IPMI) SetFanSpeed(ctx context.Context, speed uint8) (applied bool, err error) {
	if speed > maxSpeed {
		return false, fmt.Errorf("invalid fan speed %d%%, must be within 0-%d", speed, maxSpeed)
	}

	if ipmi.known && ipmi.lastSpeed == speed {
		log.Logger.Debugw("fan speed already set", "speed", speed)
		return false, nil
	}

	frame := append(append([]byte{}, rawSetSpeed...), speed)
	if err := ipmi.raw(ctx, frame...); err != nil {
		return false, fmt.Errorf("error setting fan speed to %d%%: %w", speed, err)
	}

	ipmi.lastSpeed = speed
	ipmi.known = true
	return true, nil
}

// LastApplied return the last successfully applied speed,
// ok is false until the first successful write.
func (ipmi *IPMI) LastApplied() (speed uint8, ok bool) {
	return ipmi.lastSpeed, ipmi.known
}

func (ipmi *IPMI) ShutDown(ctx context.Context) {
	if !ipmi.config.RestoreAutoOnExit {
		return
	}
	if err := ipmi.RestoreAutoControl(ctx); err != nil {
		log.Logger.Errorw("failed to restore automatic fan control", "error", err)
		return
	}
	log.Logger.Infow("automatic fan control restored")
}

// ---------------------------------------------------------------------------------------------------------------------

func (ipmi *IPMI) raw(ctx context.Context, data ...byte) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(ipmi.config.Timeout)*time.Second)
	defer cancel()

	args := ipmi.args(data...)
	log.Logger.Debugw("running ipmitool", "cmd", redact(ipmi.config.Tool, args))

	_, err := command(ctx, ipmi.config.Tool, args...)
	return err
}

// args return the ipmitool arguments for a raw request.
func (ipmi *IPMI) args(data ...byte) []string {
	args := make([]string, 0, 9+len(data))
	if ipmi.config.Host != "" {
		args = append(args,
			"-I", ipmi.config.Interface,
			"-H", ipmi.config.Host,
			"-U", ipmi.config.Username,
			"-P", ipmi.config.Password,
		)
	}

	args = append(args, "raw")
	for _, b := range data {
		args = append(args, fmt.Sprintf("0x%02x", b))
	}
	return args
}

// redact return the printable command line, without the password.
func redact(tool string, args []string) string {
	out := make([]string, 0, len(args)+1)
	out = append(out, tool)
	for i := 0; i < len(args); i++ {
		out = append(out, args[i])
		if args[i] == "-P" && i+1 < len(args) {
			out = append(out, "****")
			i++
		}
	}
	return strings.Join(out, " ")
}
