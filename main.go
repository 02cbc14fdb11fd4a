package main

import (
	"fmt"

	"LumiCreate-server/config"
	"LumiCreate-server/models"
	"LumiCreate-server/routers"
	"LumiCreate-server/routers/api"
	"LumiCreate-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	api.InitHandlers()

	processor := service.NewProcessor(models.GormDB)
	processor.StartProcessor(config.AppConfig.Worker.Concurrency)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
