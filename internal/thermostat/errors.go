package thermostat

import "errors"

var (
	ErrInvalidMode        = errors.New("invalid mode")
	ErrInvalidMinMax      = errors.New("invalid min/max setpoints")
	ErrSetpointOutOfRange = errors.New("setpoint out of range")
	ErrInvalidFanSpeed    = errors.New("fan speed must be within 0..100")
	ErrInvalidTunings     = errors.New("PID coefficients must be finite and greater or equal to zero")
	ErrAutoTuneRunning    = errors.New("auto-tune running")
)
