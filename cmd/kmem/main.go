// SPDX-License-Identifier: Unlicense OR MIT

// Command kmem boots the kernel memory core on a simulated machine
// and exercises it.
package main

func main() {
	execute()
}
