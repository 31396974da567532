// The main package for the xhs crawler executable.
package main

import (
	"github.com/KANgetuL/xiaohongshu/cmd"
)

func main() {
	cmd.Execute()
}
