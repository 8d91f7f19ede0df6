package main

import "github.com/serverless-graphql-api/harness"

func main() {
	harness.Main()
}
