package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Service(val string) zap.Field {
	return zap.String("service", val)
}
