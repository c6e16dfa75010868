package exception

import "github.com/yanun0323/errors"

// Risk violations surface as rejections, not failures of the engine.
var (
	ErrRiskVeto          = errors.New("risk: vetoed")
	ErrDailyStopBreached = errors.New("risk: daily stop breached")
)
