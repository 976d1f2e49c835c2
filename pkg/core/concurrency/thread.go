package concurrency

const threadNameMax = 15

// threadName derives the OS thread name of a worker from the pool label
func threadName(hdr string) string {
	name := "w:" + hdr
	if len(name) > threadNameMax {
		name = name[:threadNameMax]
	}
	return name
}
