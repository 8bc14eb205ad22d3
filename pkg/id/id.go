package id

import (
	"hash/fnv"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNode),
)

// NewNode derives the snowflake node id from the hostname so replicas get
// distinct ids without coordination. Collisions across 1024 slots are
// tolerable for row ids.
func NewNode() (*snowflake.Node, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "paynode"
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	return snowflake.NewNode(int64(h.Sum32() % 1024))
}
