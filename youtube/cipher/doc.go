/*
Package cipher turns the scrambled signature and throttling parameters of
YouTube stream URLs back into playable values using the site's player.js.

Signatures are first deciphered statically: the transform function and its
helper object are located with regular expressions and replayed as a list of
reverse, splice and swap steps. When the player does not match those shapes
the script is executed in otto and the transform is called directly.

The n parameter is transformed by running the player in goja. When no
transform can be found the original value is returned unchanged, which yields
a throttled but working URL.

Player scripts are cached per URL for a configurable TTL together with the
parsed steps and warmed-up interpreters.

	s := cipher.New(client.New())
	playerURL, err := s.PlayerURL(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	if err != nil {
		return err
	}
	sig, err := s.Decipher(ctx, playerURL, scrambled)
*/
package cipher
