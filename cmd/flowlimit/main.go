// Command flowlimit runs the jobs of a job file under a shared concurrency
// budget, once or on their cron schedules.
package main

func main() {
	Execute()
}
