package codec

import "os"

func processPID() int {
	return os.Getpid()
}
