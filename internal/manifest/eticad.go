package manifest

func init() {
	MustRegister(Preset{
		Key:         defaultKey,
		Description: "eticad label designer shell and static assets",
		Generation:  "eticad-cache-v1",
		Assets: []string{
			"/",
			"/download",
			"/static/LOGO.gif",
			"/static/1.png",
			"/static/2.png",
			"/static/3.png",
			"/static/icons/eticad-32.png",
			"/static/icons/eticad-192.png",
			"/static/icons/eticad-512.png",
		},
	})
}
