package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PARISHDESK_TEST_MODE") == "" {
			_ = os.Setenv("PARISHDESK_TEST_MODE", "1")
		}
	})
}
