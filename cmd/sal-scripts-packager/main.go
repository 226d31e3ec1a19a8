package main

import "github.com/oshokin/sal-scripts-packager/cmd/sal-scripts-packager/cmd"

func main() {
	cmd.Execute()
}
