package logger

import "testing"

func TestLoggerFunctions(t *testing.T) {
	Init("invalid") // should default to info
	if log == nil {
		t.Fatal("log not initialized")
	}
	// Avoid os.Exit on Fatal
	log.ExitFunc = func(int) {}

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	Debugf("%s", "debugf")
	Infof("%s", "infof")
	Warnf("%s", "warnf")
	Errorf("%s", "errorf")
	WithFields(map[string]interface{}{"unit": 3}).Info("fields")
	Fatal("fatal")
	Fatalf("%s", "fatalf")
}

func TestEnabled(t *testing.T) {
	Init("warn")
	defer Init("info")
	if Enabled("debug") {
		t.Fatal("debug should be disabled at warn level")
	}
	if !Enabled("error") {
		t.Fatal("error should be enabled at warn level")
	}
	if Enabled("bogus") {
		t.Fatal("unknown level should report disabled")
	}
}
