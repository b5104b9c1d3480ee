package telegram

import logx "vidcast/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
