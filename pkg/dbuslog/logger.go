// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbuslog

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

type stdlogger interface {
	Println(...interface{})
}

type dbuslogger struct {
	stdlogger

	level   int
	filters []string
}

func (l *dbuslogger) prologue(level int) string {
	var msg string
	switch level {
	case DEBUG:
		msg = "DEBUG "
	case INFO:
		msg = "INFO "
	case WARN:
		msg = "WARN "
	case ERROR:
		msg = "ERROR "
	default:
		msg = "FATAL "
	}

	_, file, line, _ := runtime.Caller(3)
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return msg + short + ":" + strconv.Itoa(line) + ": "
}

func (l *dbuslogger) log(level int, format string, arg ...interface{}) {
	msg := l.prologue(level) + fmt.Sprintf(format, arg...)
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}
