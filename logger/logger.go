// Package logger provides adapters that let popular logging libraries
// satisfy chronodb.Logger.
//
// Note that the standard library's *slog.Logger already implements
// chronodb.Logger directly; these adapters exist for callers already
// standardized on logrus or zap.
//
// Example with zap:
//
//	import (
//	    "chronodb"
//	    "chronodb/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := chronodb.Open("data.cdb", chronodb.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger
