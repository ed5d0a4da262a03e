package xlog

import (
	"log"
	"os"
	"sync/atomic"
)

var logger = log.New(os.Stdout, "[VIPGATE] ", log.LstdFlags)

// debugEnabled gates Debugf. SetDebug is called once at startup from the
// loaded Config; it is atomic only so tests can flip it without a race
// detector complaint.
var debugEnabled int32

func SetDebug(on bool) {
	if on {
		atomic.StoreInt32(&debugEnabled, 1)
	} else {
		atomic.StoreInt32(&debugEnabled, 0)
	}
}

func Infof(format string, v ...interface{}) {
	logger.Printf("[INFO] "+format, v...)
}

func Errorf(format string, v ...interface{}) {
	logger.Printf("[ERROR] "+format, v...)
}

func Warnf(format string, v ...interface{}) {
	logger.Printf("[WARN] "+format, v...)
}

func Debugf(format string, v ...interface{}) {
	if atomic.LoadInt32(&debugEnabled) == 0 {
		return
	}
	logger.Printf("[DEBUG] "+format, v...)
}
