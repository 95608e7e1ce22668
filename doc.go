// Package matlogger2 is an embedded numeric logging engine for control and
// robotics processes.
//
// A producer thread (typically a hard real-time control loop) appends
// samples to named variables at kilohertz rates with zero locks and zero
// heap allocations on the hot path. A consumer thread periodically drains
// the accumulated blocks and persists them to a MATLAB-compatible MAT-file.
//
// # Quick Start
//
//	logger, err := matlogger2.NewLogger("/tmp/robot_log")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	logger.Create("tau", 7, 1, 10000)
//	for i := 0; i < 1000; i++ {
//		logger.AddVector("tau", jointTorques)
//	}
//
// The Close call drains every buffered sample to disk before releasing the
// file, so nothing appended successfully is ever lost on a graceful
// shutdown.
//
// # Output formatting
//
//   - scalar variables (1x1) are appended to form a vector of length
//     num_samples
//   - vector variables (Rx1) form a R x num_samples matrix
//   - matrix variables (RxC, C>1) form a R x C x num_samples cube
//
// All samples are stored as IEEE-754 float64. Narrower source types (ints,
// float32) are cast on append.
//
// # Buffering
//
// Each variable owns a fixed pool of NumBlocks memory blocks. The producer
// fills the current block; full blocks travel to the consumer over a
// lock-free single-producer single-consumer queue and return over a
// symmetric recycle queue. Two disciplines are available, see SetBufferMode:
//
//   - ProducerConsumer (default): back-pressure. When the pipeline is full,
//     Add returns false until the consumer drains.
//   - Circular: overwrite. The oldest ready block is dropped so the
//     producer never stalls. Draining is not permitted in this mode; the
//     logger switches back to ProducerConsumer during Close to empty the
//     pipeline.
//
// # Multi-logger flushing
//
// The MatAppender owns a background flusher goroutine that serves any
// number of loggers. Loggers are held through weak references, so a logger
// may be closed (or dropped entirely) while registered; the appender
// notices lazily and removes it.
//
//	appender := matlogger2.NewAppender()
//	appender.AddLogger(logger)
//	appender.StartFlushThread()
//	defer appender.Close()
//
// Producers wake the flusher opportunistically once enough bytes have
// accumulated or a variable's pipeline is filling up.
//
// # Structured data
//
// Save stores a MatData value (arbitrarily nested structs, cell arrays,
// scalars, text and matrices) atomically on the next flush. Existing
// MAT-files can be opened for reading and modification with
// Options.LoadExisting.
package matlogger2
